package infra

import (
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/puretik/modmail-relay/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketToItem_UnboundTicketOmitsThreadKey(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	item := ticketToItem(newTicket("t1", "U1", at))

	// An empty string in the ThreadIndex key attribute would make PutItem
	// fail, so the attribute must be absent until a thread is bound.
	_, ok := item["thread_ts"]
	assert.False(t, ok)

	got, err := itemToTicket(item)
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
	assert.Empty(t, got.ThreadTS)
	assert.Equal(t, at, got.LastActivityAt)
}

func TestTicketToItem_BoundTicket(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tk := newTicket("t1", "U1", at)
	tk.ThreadTS = "111.222"
	item := ticketToItem(tk)

	ts, ok := item["thread_ts"].(*types.AttributeValueMemberS)
	require.True(t, ok)
	assert.Equal(t, "111.222", ts.Value)

	got, err := itemToTicket(item)
	require.NoError(t, err)
	assert.Equal(t, "111.222", got.ThreadTS)
	assert.Equal(t, model.StateOpen, got.State)
}
