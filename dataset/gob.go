package dataset

import (
	"encoding/gob"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const cacheDirName = ".sgdloop_dataset"

func Save(path string, set Set) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(set); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// Load は gob で保存された Set を読み込む。path が http(s) の URL なら
// ホームディレクトリ以下にキャッシュしてから読む。
func Load(path string) (Set, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		cached, err := cachePath(path)
		if err != nil {
			return Set{}, err
		}
		if err := ensureFile(cached, path); err != nil {
			return Set{}, err
		}
		path = cached
	}

	f, err := os.Open(path)
	if err != nil {
		return Set{}, err
	}
	defer f.Close()

	var set Set
	if err := gob.NewDecoder(f).Decode(&set); err != nil {
		return Set{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := set.Validate(); err != nil {
		return Set{}, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

func cachePath(url string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dataDir := filepath.Join(home, cacheDirName)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(dataDir, filepath.Base(url)), nil
}

func ensureFile(path, url string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: bad status: %s", url, resp.Status)
	}

	tmp := path + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("download %s: %w", url, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
