package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"edupay/internal/database"
	"edupay/internal/domain"
	"edupay/internal/models"
	"edupay/internal/repository"
	"edupay/pkg/cloudinary"
	"edupay/pkg/payment"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testTmnCode    = "TESTTMN"
	testHashSecret = "SECRETKEY123"
)

var dbSeq int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc%d?mode=memory&cache=shared", atomic.AddInt64(&dbSeq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(db))
	return db
}

// stubGateway plays the order/capture gateway with scripted outcomes.
type stubGateway struct {
	mu         sync.Mutex
	method     string
	sessionErr error
	extra      map[string]interface{} // merged into session details
	outcome    payment.VerificationOutcome
	verifyErr  error
	orders     map[string]string
	verifies   int
}

func newStubGateway(method string) *stubGateway {
	return &stubGateway{
		method: method,
		orders: map[string]string{},
		outcome: payment.VerificationOutcome{
			Success:        true,
			Disposition:    payment.DispositionPaid,
			AmountReported: true,
			GatewayStatus:  "COMPLETED",
		},
	}
}

func (g *stubGateway) Method() string { return g.method }

func (g *stubGateway) CreateSession(_ context.Context, req payment.SessionRequest) (*payment.SessionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessionErr != nil {
		return nil, g.sessionErr
	}
	orderID := "ORDER-" + req.Code
	g.orders[orderID] = req.Code
	details := map[string]interface{}{"oauth.order_id": orderID}
	for k, v := range g.extra {
		details[k] = v
	}
	return &payment.SessionResult{
		SessionURL: "https://gateway.test/approve/" + orderID,
		Details:    details,
	}, nil
}

func (g *stubGateway) TransactionCode(_ context.Context, in payment.InboundPayload) (string, error) {
	if c := in.Query.Get("code"); c != "" {
		return c, nil
	}
	var body struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(in.Body, &body); err == nil {
		g.mu.Lock()
		defer g.mu.Unlock()
		if code, ok := g.orders[body.OrderID]; ok {
			return code, nil
		}
	}
	return "", payment.ErrUnknownReference
}

func (g *stubGateway) VerifyInbound(_ context.Context, exp payment.Expected, _ payment.InboundPayload) (*payment.VerificationOutcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifies++
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	out := g.outcome
	out.TransactionCode = exp.Code
	if out.AmountReported && out.GatewayAmount.IsZero() {
		out.GatewayAmount = exp.Amount
		out.GatewayCurrency = exp.Currency
	}
	return &out, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	confirmed []string
	failed    []string
}

func (n *recordingNotifier) NotifyEnrollmentConfirmed(_, _ uint, code string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed = append(n.confirmed, code)
}

func (n *recordingNotifier) NotifyPaymentFailed(_ uint, code, status, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, code+":"+status)
}

type recordingFeed struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (f *recordingFeed) PublishStatus(_ uint, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev, ok := payload.(StatusEvent); ok {
		f.events = append(f.events, ev)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(topic, _ string, _ interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
}

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type fixture struct {
	db         *gorm.DB
	txRepo     *repository.TransactionRepository
	enrollRepo *repository.EnrollmentRepository
	courseRepo *repository.CourseRepository
	reconciler *EnrollmentReconciler
	verifier   *CallbackVerifier
	sweeper    *StalenessSweeper
	svc        *TransactionService
	oauth      *stubGateway
	notifier   *recordingNotifier
	feed       *recordingFeed
	pub        *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	f := &fixture{
		db:         db,
		txRepo:     repository.NewTransactionRepository(db),
		enrollRepo: repository.NewEnrollmentRepository(db),
		courseRepo: repository.NewCourseRepository(db),
		oauth:      newStubGateway(domain.MethodOAuthCapture),
		notifier:   &recordingNotifier{},
		feed:       &recordingFeed{},
		pub:        &recordingPublisher{},
	}
	registry := payment.NewRegistry(
		payment.NewRedirectSignedGateway(payment.RedirectSignedConfig{
			TmnCode:    testTmnCode,
			HashSecret: testHashSecret,
			PayURL:     "https://pay.example.test/vpcpay.html",
		}, nil, payment.RetryPolicy{Attempts: 1}),
		payment.NewManualProofGateway(payment.ManualProofConfig{
			BankName:         "Vietcombank",
			AccountNumber:    "0123456789",
			AccountHolder:    "EDU PLATFORM",
			AllowSelfConfirm: true,
		}, cloudinary.URLOnly{CloudName: "demo"}),
		f.oauth,
	)
	f.reconciler = NewEnrollmentReconciler(f.enrollRepo, f.txRepo, f.courseRepo, f.notifier, f.pub)
	f.verifier = NewCallbackVerifier(f.txRepo, registry, f.reconciler, f.notifier, f.pub, f.feed)
	f.sweeper = NewStalenessSweeper(f.txRepo, 30*time.Minute, f.pub, f.feed)
	f.svc = NewTransactionService(f.txRepo, f.courseRepo, f.enrollRepo, registry, f.reconciler, f.verifier, f.sweeper, f.pub, "https://api.example.test")
	return f
}

func (f *fixture) course(t *testing.T, price int64, currency string) *models.Course {
	t.Helper()
	c := &models.Course{Title: "Go in Practice", Price: decimal.NewFromInt(price), Currency: currency, IsPublished: true}
	require.NoError(t, f.courseRepo.Create(context.Background(), c))
	return c
}

func (f *fixture) reloadCourse(t *testing.T, id uint) *models.Course {
	t.Helper()
	c, err := f.courseRepo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (f *fixture) reloadTxn(t *testing.T, id uint) *models.Transaction {
	t.Helper()
	txn, err := f.txRepo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return txn
}

func (f *fixture) enrollmentCount(t *testing.T, userID, courseID uint) int64 {
	t.Helper()
	n, err := f.enrollRepo.CountForCourse(context.Background(), userID, courseID)
	require.NoError(t, err)
	return n
}

func (f *fixture) historyCount(t *testing.T, txnID uint, status string) int64 {
	t.Helper()
	n, err := f.txRepo.CountHistory(context.Background(), txnID, status)
	require.NoError(t, err)
	return n
}

// pendingTxn inserts a pending transaction directly, with an explicit creation time.
func (f *fixture) pendingTxn(t *testing.T, userID, courseID uint, method string, amount int64, createdAt time.Time) *models.Transaction {
	t.Helper()
	txn := &models.Transaction{
		UserID: userID, CourseID: courseID, Amount: decimal.NewFromInt(amount), Currency: "VND",
		Method: method, Status: domain.TxStatusPending, CreatedAt: createdAt,
	}
	require.NoError(t, f.txRepo.Create(context.Background(), txn, models.PaymentHistory{Status: domain.TxStatusPending}))
	return txn
}

// signVNP signs q the way the bank gateway signs its return query.
func signVNP(q url.Values) url.Values {
	mac := hmac.New(sha512.New, []byte(testHashSecret))
	mac.Write([]byte(payment.CanonicalQuery(q)))
	out := url.Values{}
	for k, v := range q {
		out[k] = v
	}
	out.Set("vnp_SecureHash", strings.ToUpper(hex.EncodeToString(mac.Sum(nil))))
	return out
}

// redirectCallback derives a gateway return query from a session URL.
func redirectCallback(t *testing.T, sessionURL, responseCode string) url.Values {
	t.Helper()
	u, err := url.Parse(sessionURL)
	require.NoError(t, err)
	s := u.Query()
	return signVNP(url.Values{
		"vnp_TmnCode":           {s.Get("vnp_TmnCode")},
		"vnp_TxnRef":            {s.Get("vnp_TxnRef")},
		"vnp_Amount":            {s.Get("vnp_Amount")},
		"vnp_OrderInfo":         {s.Get("vnp_OrderInfo")},
		"vnp_ResponseCode":      {responseCode},
		"vnp_TransactionStatus": {responseCode},
		"vnp_TransactionNo":     {"14012345"},
		"vnp_BankCode":          {"NCB"},
		"vnp_PayDate":           {"20260301150500"},
	})
}

var studentAudit = Audit{UserID: 1, IPAddress: "203.0.113.7", UserAgent: "test-agent"}
