package usage

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iaiaz/mifa-credits/internal/apperr"
	"github.com/iaiaz/mifa-credits/internal/domain/classes"
	"github.com/iaiaz/mifa-credits/internal/domain/family"
	"github.com/iaiaz/mifa-credits/internal/domain/ledger"
)

type fakeLimiter struct {
	err   error
	calls int
}

func (f *fakeLimiter) Allow(ctx context.Context, userID, model string) error {
	f.calls++
	return f.err
}

type fakeGuards struct {
	rec        *family.Record
	spent      float64
	hasSub     bool
	spentCalls int
}

func (f *fakeGuards) Get(ctx context.Context, userID string) (*family.Record, error) {
	return f.rec, nil
}

func (f *fakeGuards) SpentToday(ctx context.Context, userID string, dayStart time.Time) (float64, error) {
	f.spentCalls++
	return f.spent, nil
}

func (f *fakeGuards) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	return f.hasSub, nil
}

type fakeLedger struct {
	err      error
	owner    string
	cost     float64
	meta     ledger.UsageMeta
	ctxAlive bool
}

func (f *fakeLedger) DeductForUsage(ctx context.Context, ownerID string, cost float64, meta ledger.UsageMeta) (*ledger.Transaction, error) {
	f.owner, f.cost, f.meta = ownerID, cost, meta
	f.ctxAlive = ctx.Err() == nil
	if f.err != nil {
		return nil, f.err
	}
	return &ledger.Transaction{OwnerID: ownerID, Amount: -cost, Type: ledger.TypeUsage}, nil
}

type fixedBook struct{ cost float64 }

func (f fixedBook) Cost(model string, promptTokens, completionTokens int64) float64 {
	return f.cost
}

type fakeClasses struct {
	sess     *classes.Session
	drawUser string
	drawAmt  float64
}

func (f *fakeClasses) Get(ctx context.Context, id string) (*classes.Session, error) {
	return f.sess, nil
}

func (f *fakeClasses) AddDraw(ctx context.Context, classID, userID string, amount float64) error {
	f.drawUser, f.drawAmt = userID, amount
	return nil
}

type fakeOrgs struct {
	orgID  string
	userID string
	amount float64
}

func (f *fakeOrgs) AddMemberUsage(ctx context.Context, orgID, userID string, amount float64) error {
	f.orgID, f.userID, f.amount = orgID, userID, amount
	return nil
}

func newTestService(l *fakeLimiter, g *fakeGuards, led *fakeLedger, cls *fakeClasses, orgs *fakeOrgs) *Service {
	return NewService(l, g, led, fixedBook{cost: 0.05}, cls, orgs, time.UTC, slog.Default())
}

func TestAuthorizeRateLimitBeforeGate(t *testing.T) {
	rl := &apperr.RateLimitedError{Tier: "standard", Limit: 30, ResetAt: time.Now()}
	lim := &fakeLimiter{err: rl}
	// A record that would also reject on its own.
	guards := &fakeGuards{rec: &family.Record{Mode: family.ModeGuided, DailyLimit: 1}, spent: 5}
	svc := newTestService(lim, guards, &fakeLedger{}, &fakeClasses{}, &fakeOrgs{})

	err := svc.Authorize(context.Background(), "u1", "gpt-4o")

	var got *apperr.RateLimitedError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, 1, lim.calls)
	assert.Zero(t, guards.spentCalls, "gate must not run once the limiter rejects")
}

func TestAuthorizeGateRejects(t *testing.T) {
	guards := &fakeGuards{
		rec:   &family.Record{Mode: family.ModeGuided, DailyLimit: 2},
		spent: 2,
	}
	svc := newTestService(&fakeLimiter{}, guards, &fakeLedger{}, &fakeClasses{}, &fakeOrgs{})

	err := svc.Authorize(context.Background(), "u1", "gpt-4o")

	var pe *apperr.PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, apperr.ReasonDailyLimit, pe.Reason)
}

func TestAuthorizeAdultSkipsGuardQueries(t *testing.T) {
	guards := &fakeGuards{rec: &family.Record{Mode: family.ModeAdult}}
	svc := newTestService(&fakeLimiter{}, guards, &fakeLedger{}, &fakeClasses{}, &fakeOrgs{})

	require.NoError(t, svc.Authorize(context.Background(), "u1", "gpt-4o"))
	assert.Zero(t, guards.spentCalls)
}

func TestAuthorizeNoRecordAllowed(t *testing.T) {
	svc := newTestService(&fakeLimiter{}, &fakeGuards{}, &fakeLedger{}, &fakeClasses{}, &fakeOrgs{})
	require.NoError(t, svc.Authorize(context.Background(), "u1", "gpt-4o"))
}

func TestSettlePersonal(t *testing.T) {
	led := &fakeLedger{}
	svc := newTestService(&fakeLimiter{}, &fakeGuards{}, led, &fakeClasses{}, &fakeOrgs{})

	txn, err := svc.Settle(context.Background(), SettleRequest{
		UserID: "u1", Model: "gpt-4o", PromptTokens: 100, CompletionTokens: 50,
	})

	require.NoError(t, err)
	assert.Equal(t, "u1", led.owner)
	assert.Equal(t, 0.05, led.cost)
	assert.Equal(t, "gpt-4o", led.meta.Model)
	assert.Equal(t, "u1", led.meta.UserID)
	assert.Equal(t, int64(100), led.meta.PromptTokens)
	assert.Equal(t, -0.05, txn.Amount)
}

func TestSettleClassRoutesThroughOrgPool(t *testing.T) {
	led := &fakeLedger{}
	cls := &fakeClasses{sess: &classes.Session{ID: "c1", OrgID: "org1"}}
	svc := newTestService(&fakeLimiter{}, &fakeGuards{}, led, cls, &fakeOrgs{})

	_, err := svc.Settle(context.Background(), SettleRequest{
		UserID: "u1", Model: "gpt-4o", ClassID: "c1",
	})

	require.NoError(t, err)
	assert.Equal(t, "org1", led.owner, "class usage is deducted from the org pool")
	assert.Equal(t, "u1", cls.drawUser)
	assert.Equal(t, 0.05, cls.drawAmt)
	assert.Equal(t, "c1", led.meta.ClassID)
	assert.Equal(t, "u1", led.meta.UserID, "routed usage must still name the acting user for daily caps")
}

func TestSettleOrgMember(t *testing.T) {
	led := &fakeLedger{}
	orgs := &fakeOrgs{}
	svc := newTestService(&fakeLimiter{}, &fakeGuards{}, led, &fakeClasses{}, orgs)

	_, err := svc.Settle(context.Background(), SettleRequest{
		UserID: "u1", Model: "gpt-4o", OrgID: "org1",
	})

	require.NoError(t, err)
	assert.Equal(t, "org1", led.owner)
	assert.Equal(t, "u1", orgs.userID)
	assert.Equal(t, 0.05, orgs.amount)
	assert.Equal(t, "u1", led.meta.UserID)
}

func TestSettleSurvivesClientDisconnect(t *testing.T) {
	led := &fakeLedger{}
	svc := newTestService(&fakeLimiter{}, &fakeGuards{}, led, &fakeClasses{}, &fakeOrgs{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Settle(ctx, SettleRequest{UserID: "u1", Model: "gpt-4o"})

	require.NoError(t, err)
	assert.True(t, led.ctxAlive, "deduction must run on a context detached from the request")
}

func TestSettleDeductionFailureSurfaced(t *testing.T) {
	led := &fakeLedger{err: errors.New("pool exhausted")}
	svc := newTestService(&fakeLimiter{}, &fakeGuards{}, led, &fakeClasses{}, &fakeOrgs{})

	_, err := svc.Settle(context.Background(), SettleRequest{UserID: "u1", Model: "gpt-4o"})
	require.Error(t, err)
}

func TestSettleUnknownClass(t *testing.T) {
	svc := newTestService(&fakeLimiter{}, &fakeGuards{}, &fakeLedger{}, &fakeClasses{}, &fakeOrgs{})

	_, err := svc.Settle(context.Background(), SettleRequest{UserID: "u1", Model: "gpt-4o", ClassID: "nope"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}
