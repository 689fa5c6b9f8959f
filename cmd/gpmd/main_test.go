package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun_UnknownCommandReturnsNonZero(t *testing.T) {
	var stderr bytes.Buffer
	code := run([]string{"gpmd", "not-a-real-command"}, &stderr)
	assert.NotEqual(t, 0, code)
}

func TestRun_HelpReturnsZero(t *testing.T) {
	var stderr bytes.Buffer
	code := run([]string{"gpmd", "--help"}, &stderr)
	assert.Equal(t, 0, code)
}
