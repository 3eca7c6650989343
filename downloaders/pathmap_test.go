package downloaders

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathMap_ToLocal(t *testing.T) {
	m := PathMap{
		Enabled:      true,
		RemotePrefix: "/home/seedbox/downloads",
		LocalPrefix:  "/mnt/seedbox",
	}

	assert.Equal(t, "/mnt/seedbox/book/file.m4b", m.ToLocal("/home/seedbox/downloads/book/file.m4b"))

	// a path outside the remote prefix passes through unchanged
	assert.Equal(t, "/srv/elsewhere/file.m4b", m.ToLocal("/srv/elsewhere/file.m4b"))

	assert.Equal(t, "", m.ToLocal(""))
}

func TestPathMap_ToRemote(t *testing.T) {
	m := PathMap{
		Enabled:      true,
		RemotePrefix: "/home/seedbox/downloads",
		LocalPrefix:  "/mnt/seedbox",
	}

	assert.Equal(t, "/home/seedbox/downloads/book", m.ToRemote("/mnt/seedbox/book"))
	assert.Equal(t, "/tmp/other", m.ToRemote("/tmp/other"))
}

func TestPathMap_Disabled(t *testing.T) {
	m := PathMap{
		RemotePrefix: "/remote",
		LocalPrefix:  "/local",
	}

	assert.Equal(t, "/remote/file", m.ToLocal("/remote/file"))
	assert.Equal(t, "/local/file", m.ToRemote("/local/file"))
}
