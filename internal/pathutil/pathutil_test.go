package pathutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSplit(t *testing.T) {
	cases := []struct {
		path string
		dir  string
		name string
	}{
		{"/", "/", ""},
		{"/zone", "/", "zone"},
		{"/zone/home/u/a", "/zone/home/u", "a"},
		{"/zone/home/u/", "/zone/home", "u"},
	}
	for _, c := range cases {
		dir, name := Split(c.path)
		assert.Equal(t, c.dir, dir, c.path)
		assert.Equal(t, c.name, name, c.path)
	}
}

func TestJoinRoundTrip(t *testing.T) {
	assert.Equal(t, "/zone/home/u/a", Join("/zone/home/u", "a"))
	assert.Equal(t, "/zone", Join("/", "zone"))
	assert.Equal(t, "/zone/home/u", Join("/zone/home/u", ""))
}

func TestBasename(t *testing.T) {
	assert.Equal(t, "a", Basename("/zone/home/u/a"))
	assert.Equal(t, "", Basename("/"))
}

func TestSecondsSince(t *testing.T) {
	past := time.Now().Add(-5 * time.Second)
	assert.GreaterOrEqual(t, SecondsSince(past), int64(4))
}
