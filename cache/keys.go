package cache

import "fmt"

// Key helpers for the query classes the tool layer memoizes.

func ChatListKey() string {
	return "chats:list"
}

func ChatInfoKey(chatID int64) string {
	return fmt.Sprintf("chat:%d:info", chatID)
}

func UserInfoKey(userID int64) string {
	return fmt.Sprintf("user:%d:info", userID)
}

func MessagesKey(chatID int64, limit int) string {
	return fmt.Sprintf("messages:%d:limit:%d", chatID, limit)
}
