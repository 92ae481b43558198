package corelog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDebugSuppressedWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf, false)
	s.Debug("hello %s", "world")
	assert.Empty(t, buf.String())
}

func TestDebugEmittedWhenEnabled(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf, true)
	s.Debug("hello %s", "world")
	assert.Contains(t, buf.String(), "hello world")
}

func TestErrorCarriesStatus(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf, false)
	s.Error(-5, "objStat failed for %s", "/zone/x")
	line := buf.String()
	assert.True(t, strings.Contains(line, "status=-5"))
	assert.True(t, strings.Contains(line, "/zone/x"))
}
