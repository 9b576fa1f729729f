package main

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetMocks() {
	osWriteFile = os.WriteFile
	osMkdirAll = os.MkdirAll
	osExit = os.Exit
}

func TestHandlePanic(t *testing.T) {
	t.Cleanup(resetMocks)

	t.Run("writes panic log", func(t *testing.T) {
		var (
			gotCode    int
			gotPath    string
			gotContent string
		)
		osMkdirAll = func(string, os.FileMode) error { return nil }
		osWriteFile = func(name string, data []byte, _ os.FileMode) error {
			gotPath, gotContent = name, string(data)
			return nil
		}
		osExit = func(code int) { gotCode = code }

		func() {
			defer handlePanic()
			panic("boom")
		}()

		assert.Equal(t, 2, gotCode)
		assert.Contains(t, gotPath, panicLogName)
		assert.Contains(t, gotContent, "panic: boom")
		assert.Contains(t, gotContent, "goroutine")
	})

	t.Run("falls back to stderr when the log cannot be written", func(t *testing.T) {
		gotCode := -1
		osMkdirAll = func(string, os.FileMode) error { return errors.New("read-only home") }
		osWriteFile = func(string, []byte, os.FileMode) error {
			t.Fatal("write attempted after mkdir failed")
			return nil
		}
		osExit = func(code int) { gotCode = code }

		func() {
			defer handlePanic()
			panic("boom")
		}()
		assert.Equal(t, 2, gotCode)
	})

	t.Run("no panic is a no-op", func(t *testing.T) {
		osExit = func(int) { t.Fatal("exit called without a panic") }
		require.NotPanics(t, func() {
			defer handlePanic()
		})
	})
}
