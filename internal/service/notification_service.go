package service

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"edupay/internal/domain"
	"edupay/internal/models"
	"edupay/internal/repository"
)

// Pusher delivers a push message to a device token.
type Pusher interface {
	SendToUser(ctx context.Context, fcmToken string, notifType, title, body string, data map[string]interface{}) error
}

type NotificationService struct {
	repo     *repository.NotificationRepository
	userRepo *repository.UserRepository
	push     Pusher
}

func NewNotificationService(repo *repository.NotificationRepository, userRepo *repository.UserRepository, push Pusher) *NotificationService {
	return &NotificationService{repo: repo, userRepo: userRepo, push: push}
}

func (s *NotificationService) Notify(userID uint, notifType, title, body string, data map[string]interface{}) error {
	var dataJSON string
	if data != nil {
		b, _ := json.Marshal(data)
		dataJSON = string(b)
	}
	err := s.repo.Create(&models.Notification{
		UserID: userID,
		Type:   notifType,
		Title:  title,
		Body:   body,
		Data:   dataJSON,
	})
	if err != nil {
		return err
	}
	s.sendPush(userID, notifType, title, body, data)
	return nil
}

func (s *NotificationService) sendPush(userID uint, notifType, title, body string, data map[string]interface{}) {
	if s.push == nil || s.userRepo == nil {
		return
	}
	u, err := s.userRepo.GetByID(userID)
	if err != nil || u == nil || u.FCMToken == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.push.SendToUser(ctx, u.FCMToken, notifType, title, body, data)
}

func (s *NotificationService) NotifyEnrollmentConfirmed(userID, courseID uint, code string) {
	err := s.Notify(userID, "ENROLLMENT_CONFIRMED", "Enrollment confirmed",
		"Your payment was received. The course is now available.",
		map[string]interface{}{"course_id": courseID, "transaction_code": code})
	if err != nil {
		log.Printf("[Notification] enrollment confirmed user=%d: %v", userID, err)
	}
}

func (s *NotificationService) NotifyPaymentFailed(userID uint, code, status, reason string) {
	title := "Payment failed"
	if status == domain.TxStatusCancelled {
		title = "Payment cancelled"
	}
	err := s.Notify(userID, "PAYMENT_"+strings.ToUpper(status), title, reason,
		map[string]interface{}{"transaction_code": code, "status": status})
	if err != nil {
		log.Printf("[Notification] payment %s user=%d: %v", status, userID, err)
	}
}

