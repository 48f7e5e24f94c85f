package service

import (
	"context"
	"encoding/json"
	"testing"

	"edupay/internal/models"
	"edupay/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePusher struct {
	tokens []string
	types  []string
}

func (p *fakePusher) SendToUser(_ context.Context, token, notifType, _, _ string, _ map[string]interface{}) error {
	p.tokens = append(p.tokens, token)
	p.types = append(p.types, notifType)
	return nil
}

func TestNotificationService(t *testing.T) {
	db := newTestDB(t)
	users := repository.NewUserRepository(db)
	repo := repository.NewNotificationRepository(db)
	push := &fakePusher{}
	svc := NewNotificationService(repo, users, push)

	withToken := &models.User{Email: "a@example.test", FCMToken: "device-1"}
	noToken := &models.User{Email: "b@example.test"}
	require.NoError(t, users.Create(withToken))
	require.NoError(t, users.Create(noToken))

	svc.NotifyEnrollmentConfirmed(withToken.ID, 7, "TXN1")
	svc.NotifyPaymentFailed(noToken.ID, "TXN2", "cancelled", "payment cancelled")

	assert.Equal(t, []string{"device-1"}, push.tokens)
	assert.Equal(t, []string{"ENROLLMENT_CONFIRMED"}, push.types)

	list, err := repo.ListByUserID(withToken.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(list[0].Data), &data))
	assert.Equal(t, "TXN1", data["transaction_code"])
	assert.EqualValues(t, 7, data["course_id"])

	list, err = repo.ListByUserID(noToken.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "PAYMENT_CANCELLED", list[0].Type)
	assert.Equal(t, "Payment cancelled", list[0].Title)

	require.NoError(t, repo.MarkRead(list[0].ID, noToken.ID))
	list, err = repo.ListByUserID(noToken.ID, 10, 0)
	require.NoError(t, err)
	assert.NotNil(t, list[0].ReadAt)
}

func TestFCMServiceUnconfigured(t *testing.T) {
	assert.Nil(t, NewFCMService(""))
	var s *FCMService
	assert.NoError(t, s.SendToUser(context.Background(), "token", "T", "title", "body", nil))

	msg := BuildMessage("token", "ENROLLMENT_CONFIRMED", "t", "b", map[string]interface{}{"course_id": 7})
	assert.Equal(t, "token", msg.Token)
	assert.Equal(t, "ENROLLMENT_CONFIRMED", msg.Data["type"])
	assert.Equal(t, "7", msg.Data["course_id"])
}
