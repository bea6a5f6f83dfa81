// Package domain contains core concepts of the chat system.
// This file defines user records and membership invariants.
// No runtime, network, or UI logic should be added here.
package domain

import "github.com/samber/lo"

// UserRecord is the persisted profile of a user.
//
// ChatroomIDs is a derived cache: the source of truth for membership is each
// chatroom's ParticipantIDs. It is mutated only by the chatroom registry on
// create/delete and repaired by the reconciler when a multi-document write
// sequence was interrupted.
type UserRecord struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	ChatroomIDs []string `json:"chatroomIDs"`
}

func (u UserRecord) HasChatroom(chatroomID string) bool {
	return lo.Contains(u.ChatroomIDs, chatroomID)
}

// AddChatroom returns true if the set changed.
func (u *UserRecord) AddChatroom(chatroomID string) bool {
	if u.HasChatroom(chatroomID) {
		return false
	}
	u.ChatroomIDs = append(u.ChatroomIDs, chatroomID)
	return true
}

// RemoveChatroom returns true if the set changed.
func (u *UserRecord) RemoveChatroom(chatroomID string) bool {
	if !u.HasChatroom(chatroomID) {
		return false
	}
	u.ChatroomIDs = lo.Without(u.ChatroomIDs, chatroomID)
	return true
}
