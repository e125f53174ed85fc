package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirectedSubject(t *testing.T) {
	assert.Equal(t, "service.scanner-01", DirectedSubject("scanner-01"))
	assert.NotEqual(t, BroadcastSubject, DirectedSubject(BroadcastSubject))
}
