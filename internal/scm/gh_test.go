package scm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPRNumberFromURL(t *testing.T) {
	assert.Equal(t, 42, prNumberFromURL("https://github.com/owner/repo/pull/42"))
	assert.Equal(t, 0, prNumberFromURL("https://github.com/owner/repo/pull/abc"))
	assert.Equal(t, 0, prNumberFromURL("not-a-url"))
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "https://github.com/o/r/pull/7",
		lastLine("Creating pull request for branch\nhttps://github.com/o/r/pull/7\n"))
	assert.Equal(t, "", lastLine("   \n  "))
}
