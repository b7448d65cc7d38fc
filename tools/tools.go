//go:build tools

// Package tools pins the lint and audit binaries used in CI:
//
//	go run github.com/golangci/golangci-lint/cmd/golangci-lint run ./...
//	go run golang.org/x/vuln/cmd/govulncheck ./...
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "golang.org/x/vuln/cmd/govulncheck"
	_ "honnef.co/go/tools/cmd/staticcheck"
	_ "mvdan.cc/gofumpt"
)
