package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildObjectKey(t *testing.T) {
	name := "listenbrainz-dump-7-20240101-000000-full"
	key := BuildObjectKey("/mirror/", name, "/dumps/public/"+name+".public.tar.zst")
	assert.Equal(t, "mirror/"+name+"/"+name+".public.tar.zst", key)

	assert.Equal(t, name+"/x.sha256", BuildObjectKey("", name, "x.sha256"))
}

func TestBuildPrefix(t *testing.T) {
	assert.Equal(t, "mirror/dump", BuildPrefix("mirror", "dump"))
	assert.Equal(t, "mirror", BuildPrefix("mirror/", ""))
	assert.Equal(t, "", BuildPrefix("", ""))
}
