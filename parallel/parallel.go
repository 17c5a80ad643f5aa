// Package parallel は添字の範囲を固定数のワーカーに分けて処理する。
package parallel

import "sync"

// For は 0..n-1 を p 個のワーカーに連続区間で割り当てて f を呼ぶ。
// f には担当ワーカーの番号も渡すので、ワーカーごとのバッファに書き込める。
// 最初に返されたエラーを返す。
func For(n, p int, f func(workerID, idx int) error) error {
	if n <= 0 {
		return nil
	}
	if p <= 0 {
		p = 1
	}
	if p > n {
		p = n
	}

	errs := make([]error, p)
	var wg sync.WaitGroup
	wg.Add(p)
	for w := 0; w < p; w++ {
		start := n * w / p
		end := n * (w + 1) / p
		go func(w, start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				if err := f(w, i); err != nil {
					errs[w] = err
					return
				}
			}
		}(w, start, end)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
