//go:build !cuda

package main

import "github.com/sw965/sgdloop/staging"

var newWindow staging.Factory = staging.NewHostWindow
