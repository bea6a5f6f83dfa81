package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_MostRecentMessage(t *testing.T) {
	req := require.New(t)
	room := ChatroomRecord{ID: "r", ParticipantIDs: []string{"a"}, NextSeq: 1}
	req.Equal(NoMessagesYet, room.MostRecentMessage())

	room.Append("a", "first", time.Now())
	room.Append("a", "second", time.Now())
	req.Equal("second", room.MostRecentMessage())
}

func Test_Append_Advances_Sequence(t *testing.T) {
	req := require.New(t)
	room := ChatroomRecord{ID: "r", ParticipantIDs: []string{"a"}, NextSeq: 1}

	first := room.Append("a", "one", time.Now())
	second := room.Append("a", "two", time.Now())
	req.Equal(uint64(1), first.Seq)
	req.Equal(uint64(2), second.Seq)
	req.Equal(uint64(3), room.NextSeq)
}

func Test_Membership_Set_Operations(t *testing.T) {
	req := require.New(t)
	user := UserRecord{ID: "a", Name: "A"}

	req.True(user.AddChatroom("r1"))
	req.False(user.AddChatroom("r1"))
	req.True(user.HasChatroom("r1"))
	req.True(user.RemoveChatroom("r1"))
	req.False(user.RemoveChatroom("r1"))
	req.Empty(user.ChatroomIDs)
}

func Test_Codec_RoundTrip(t *testing.T) {
	req := require.New(t)
	room := ChatroomRecord{ID: "r", ParticipantIDs: []string{"a", "b"}, NextSeq: 2,
		Messages: []MessageRecord{{SenderID: "a", Text: "hey", Seq: 1, SentAt: time.Now().UTC()}}}

	data, err := EncodeChatroom(room)
	req.NoError(err)
	decoded, err := DecodeChatroom(data)
	req.NoError(err)
	req.Equal(room.ID, decoded.ID)
	req.Equal(room.Messages[0].Text, decoded.Messages[0].Text)
	req.Equal(room.NextSeq, decoded.NextSeq)
}
