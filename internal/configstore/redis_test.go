package configstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashKey(t *testing.T) {
	assert.Equal(t, "vumos:scanner-01:configurations", hashKey("scanner-01"))
}

func TestNewRedisBackend_InvalidURL(t *testing.T) {
	_, err := NewRedisBackend(context.Background(), "not a url", "scanner")
	assert.Error(t, err)
}
