package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "chats:list", ChatListKey())
	assert.Equal(t, "chat:42:info", ChatInfoKey(42))
	assert.Equal(t, "user:7:info", UserInfoKey(7))
	assert.Equal(t, "messages:42:limit:100", MessagesKey(42, 100))
}
