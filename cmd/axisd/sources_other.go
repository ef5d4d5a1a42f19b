//go:build !linux

package main

import (
	"fmt"
	"log/slog"
)

func openIIOSource(path string, _ *slog.Logger) (sampleSource, error) {
	return nil, fmt.Errorf("%s %s: %w", sourceIIO, path, errSourceUnsupported)
}

func openEvdevSource(path string, _ uint16, _ *slog.Logger) (sampleSource, error) {
	return nil, fmt.Errorf("%s %s: %w", sourceEvdev, path, errSourceUnsupported)
}
