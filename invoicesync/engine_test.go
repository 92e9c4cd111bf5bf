package invoicesync

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/billsync_backend/models"
	"bitbucket.org/mmdatafocus/billsync_backend/moneybird"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type fakeClient struct {
	createCalls    int
	created        []moneybird.NewSalesInvoice
	nextRemoteId   moneybird.ID
	failOnCreate   int // fail the nth create (1-based), 0 = never
	getCalls       int
	remoteInvoices map[moneybird.ID]*moneybird.SalesInvoice
	listCalls      int
	lastPeriod     string
	lastType       string
	versionIds     []moneybird.ID
	mutations      []moneybird.FinancialMutation
	lastFetchedIds []moneybird.ID
}

func (c *fakeClient) CreateSalesInvoice(ctx context.Context, payload moneybird.NewSalesInvoice) (*moneybird.SalesInvoice, error) {
	c.createCalls++
	if c.failOnCreate > 0 && c.createCalls == c.failOnCreate {
		return nil, errors.New("moneybird: 422 Unprocessable Entity")
	}
	c.created = append(c.created, payload)
	c.nextRemoteId++
	return &moneybird.SalesInvoice{ID: c.nextRemoteId, Reference: payload.Reference}, nil
}

func (c *fakeClient) GetSalesInvoice(ctx context.Context, id moneybird.ID) (*moneybird.SalesInvoice, error) {
	c.getCalls++
	invoice, ok := c.remoteInvoices[id]
	if !ok {
		return nil, moneybird.ErrNotFound
	}
	return invoice, nil
}

func (c *fakeClient) ListMutationVersions(ctx context.Context, period string, mutationType string) ([]moneybird.ID, error) {
	c.listCalls++
	c.lastPeriod = period
	c.lastType = mutationType
	return c.versionIds, nil
}

func (c *fakeClient) GetMutations(ctx context.Context, ids []moneybird.ID) ([]moneybird.FinancialMutation, error) {
	c.lastFetchedIds = ids
	return c.mutations, nil
}

type fakeLinkStore struct {
	byLocal      map[int]moneybird.ID
	duplicateIds map[moneybird.ID]bool
	upserts      int
}

func newFakeLinkStore() *fakeLinkStore {
	return &fakeLinkStore{byLocal: map[int]moneybird.ID{}, duplicateIds: map[moneybird.ID]bool{}}
}

func (s *fakeLinkStore) FindByRemoteId(ctx context.Context, remoteId moneybird.ID) (*models.InvoiceLink, error) {
	if s.duplicateIds[remoteId] {
		return nil, ErrDuplicateLink
	}
	for localId, rid := range s.byLocal {
		if rid == remoteId {
			return &models.InvoiceLink{InvoiceId: localId, MoneybirdId: rid.Int64()}, nil
		}
	}
	return nil, nil
}

func (s *fakeLinkStore) FindByLocalId(ctx context.Context, localId int) (*models.InvoiceLink, error) {
	rid, ok := s.byLocal[localId]
	if !ok {
		return nil, nil
	}
	return &models.InvoiceLink{InvoiceId: localId, MoneybirdId: rid.Int64()}, nil
}

func (s *fakeLinkStore) Upsert(ctx context.Context, localId int, remoteId moneybird.ID) error {
	s.upserts++
	s.byLocal[localId] = remoteId
	return nil
}

type appliedPayment struct {
	invoiceId int
	paymentId moneybird.ID
}

type fakeInvoiceStore struct {
	candidates []models.Invoice
	invoices   map[int]*models.Invoice
	applied    []appliedPayment
	seen       map[string]bool
}

func newFakeInvoiceStore(invoices ...models.Invoice) *fakeInvoiceStore {
	s := &fakeInvoiceStore{invoices: map[int]*models.Invoice{}, seen: map[string]bool{}}
	for i := range invoices {
		inv := invoices[i]
		s.candidates = append(s.candidates, inv)
		s.invoices[inv.ID] = &inv
	}
	return s
}

func (s *fakeInvoiceStore) SelectCandidates(ctx context.Context, startId int) ([]models.Invoice, error) {
	var out []models.Invoice
	for _, inv := range s.candidates {
		if inv.ID >= startId {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (s *fakeInvoiceStore) Find(ctx context.Context, id int) (*models.Invoice, error) {
	return s.invoices[id], nil
}

func (s *fakeInvoiceStore) AddPayment(ctx context.Context, invoice *models.Invoice, payment moneybird.MutationPayment, mutation moneybird.FinancialMutation) (*models.InvoicePayment, error) {
	key := payment.ID.String()
	if s.seen[key] {
		return nil, nil
	}
	s.seen[key] = true
	s.applied = append(s.applied, appliedPayment{invoiceId: invoice.ID, paymentId: payment.ID})
	return &models.InvoicePayment{InvoiceId: invoice.ID, TransactionId: key}, nil
}

type fakeLogSink struct {
	entries []models.SyncLog
}

func (s *fakeLogSink) Append(ctx context.Context, entry models.SyncLog) error {
	s.entries = append(s.entries, entry)
	return nil
}

func testEngine(client *fakeClient, links *fakeLinkStore, invoices *fakeInvoiceStore, logs *fakeLogSink) *Engine {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewEngine(client, links, invoices, logs, logger)
}

func unpaidInvoice(id int, total string) models.Invoice {
	return models.Invoice{
		ID:            id,
		InvoiceNumber: "INV-" + strconv.Itoa(id),
		Status:        models.InvoiceStatusUnpaid,
		Total:         decimal.RequireFromString(total),
	}
}

func enabledSettings(start int, throttle int) models.SyncSettings {
	return models.SyncSettings{EnableCron: true, InvoiceSyncStart: start, InvoiceSyncThrottle: throttle}
}

func TestOutboundSyncDisabled(t *testing.T) {
	client := &fakeClient{}
	invoices := newFakeInvoiceStore(unpaidInvoice(1, "10.00"))
	engine := testEngine(client, newFakeLinkStore(), invoices, &fakeLogSink{})

	count, err := engine.RunOutboundSync(context.Background(), models.SyncSettings{EnableCron: false})
	if err != nil {
		t.Fatalf("RunOutboundSync: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 invoices synced, got %d", count)
	}
	if client.createCalls != 0 {
		t.Fatalf("expected no remote calls while disabled, got %d", client.createCalls)
	}
}

func TestInboundSyncDisabled(t *testing.T) {
	client := &fakeClient{versionIds: []moneybird.ID{1, 2, 3}}
	engine := testEngine(client, newFakeLinkStore(), newFakeInvoiceStore(), &fakeLogSink{})

	count, err := engine.RunInboundSync(context.Background(), models.SyncSettings{EnableCron: false})
	if err != nil {
		t.Fatalf("RunInboundSync: %v", err)
	}
	if count != 0 || client.listCalls != 0 {
		t.Fatalf("expected no inbound work while disabled, got count=%d listCalls=%d", count, client.listCalls)
	}
}

func TestOutboundSyncPushesAndLinks(t *testing.T) {
	client := &fakeClient{nextRemoteId: 500}
	links := newFakeLinkStore()
	invoices := newFakeInvoiceStore(unpaidInvoice(10, "25.50"), unpaidInvoice(11, "99.99"))
	engine := testEngine(client, links, invoices, &fakeLogSink{})

	count, err := engine.RunOutboundSync(context.Background(), enabledSettings(0, 25))
	if err != nil {
		t.Fatalf("RunOutboundSync: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 invoices synced, got %d", count)
	}
	if client.created[0].Reference != "10" {
		t.Fatalf("expected reference to carry the local id, got %q", client.created[0].Reference)
	}
	if len(client.created[0].DetailsAttributes) != 1 || !client.created[0].DetailsAttributes[0].Price.Equal(decimal.RequireFromString("25.50")) {
		t.Fatalf("unexpected invoice details: %+v", client.created[0].DetailsAttributes)
	}
	if links.byLocal[10] != 501 || links.byLocal[11] != 502 {
		t.Fatalf("expected links for both invoices, got %v", links.byLocal)
	}
}

func TestOutboundSyncSingleCandidate(t *testing.T) {
	client := &fakeClient{nextRemoteId: 7000}
	links := newFakeLinkStore()
	invoices := newFakeInvoiceStore(unpaidInvoice(500, "150.00"))
	engine := testEngine(client, links, invoices, &fakeLogSink{})

	count, err := engine.RunOutboundSync(context.Background(), enabledSettings(100, 5))
	if err != nil {
		t.Fatalf("RunOutboundSync: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 invoice synced, got %d", count)
	}
	if links.byLocal[500] != 7001 {
		t.Fatalf("expected link (500, 7001), got %v", links.byLocal)
	}
}

func TestOutboundSyncThrottle(t *testing.T) {
	client := &fakeClient{}
	invoices := newFakeInvoiceStore(
		unpaidInvoice(1, "10.00"),
		unpaidInvoice(2, "10.00"),
		unpaidInvoice(3, "10.00"),
		unpaidInvoice(4, "10.00"),
		unpaidInvoice(5, "10.00"),
	)
	engine := testEngine(client, newFakeLinkStore(), invoices, &fakeLogSink{})

	count, err := engine.RunOutboundSync(context.Background(), enabledSettings(0, 2))
	if err != nil {
		t.Fatalf("RunOutboundSync: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected throttle to cap at 2, got %d", count)
	}
	if client.createCalls != 2 {
		t.Fatalf("expected exactly 2 remote creates, got %d", client.createCalls)
	}
}

func TestOutboundSyncSkipsLinkedWithoutConsumingThrottle(t *testing.T) {
	client := &fakeClient{}
	links := newFakeLinkStore()
	links.byLocal[1] = 900
	invoices := newFakeInvoiceStore(
		unpaidInvoice(1, "10.00"),
		unpaidInvoice(2, "10.00"),
		unpaidInvoice(3, "10.00"),
	)
	engine := testEngine(client, links, invoices, &fakeLogSink{})

	count, err := engine.RunOutboundSync(context.Background(), enabledSettings(0, 2))
	if err != nil {
		t.Fatalf("RunOutboundSync: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 pushes past the already-linked invoice, got %d", count)
	}
	if client.createCalls != 2 {
		t.Fatalf("expected 2 creates (invoice 1 already linked), got %d", client.createCalls)
	}
}

func TestOutboundSyncFailFast(t *testing.T) {
	client := &fakeClient{failOnCreate: 3}
	links := newFakeLinkStore()
	invoices := newFakeInvoiceStore(
		unpaidInvoice(1, "10.00"),
		unpaidInvoice(2, "10.00"),
		unpaidInvoice(3, "10.00"),
		unpaidInvoice(4, "10.00"),
	)
	logs := &fakeLogSink{}
	engine := testEngine(client, links, invoices, logs)

	count, err := engine.RunOutboundSync(context.Background(), enabledSettings(0, 25))
	if err == nil {
		t.Fatal("expected the failed push to abort the batch")
	}
	if count != 2 {
		t.Fatalf("expected 2 successful pushes before the failure, got %d", count)
	}
	if client.createCalls != 3 {
		t.Fatalf("expected no creates after the failure, got %d", client.createCalls)
	}
	if len(logs.entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(logs.entries))
	}
	entry := logs.entries[0]
	if entry.EntityId != 3 || entry.Status != models.SyncLogStatusError || entry.Type != models.SyncLogTypeInvoice {
		t.Fatalf("unexpected log entry: %+v", entry)
	}
	if _, ok := links.byLocal[3]; ok {
		t.Fatal("failed push must not leave a link behind")
	}
}

func TestOutboundSyncRespectsStartFloor(t *testing.T) {
	client := &fakeClient{}
	invoices := newFakeInvoiceStore(
		unpaidInvoice(99, "10.00"),
		unpaidInvoice(100, "10.00"),
		unpaidInvoice(101, "10.00"),
	)
	engine := testEngine(client, newFakeLinkStore(), invoices, &fakeLogSink{})

	count, err := engine.RunOutboundSync(context.Background(), enabledSettings(100, 25))
	if err != nil {
		t.Fatalf("RunOutboundSync: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected invoices 100 and 101 only, got %d", count)
	}
	if client.created[0].Reference != "100" {
		t.Fatalf("expected the floor invoice to be included, got reference %q", client.created[0].Reference)
	}
}

func TestInboundSyncAppliesLinkedPayment(t *testing.T) {
	client := &fakeClient{
		versionIds: []moneybird.ID{7001},
		mutations: []moneybird.FinancialMutation{{
			ID:           7001,
			MutationType: "debit",
			Date:         "2026-08-15",
			Payments: []moneybird.MutationPayment{{
				ID:          1,
				InvoiceType: moneybird.InvoiceTypeSalesInvoice,
				InvoiceId:   900,
				PriceBase:   decimal.RequireFromString("25.50"),
			}},
		}},
	}
	links := newFakeLinkStore()
	links.byLocal[42] = 900
	invoices := newFakeInvoiceStore(unpaidInvoice(42, "25.50"))
	engine := testEngine(client, links, invoices, &fakeLogSink{})

	count, err := engine.RunInboundSync(context.Background(), enabledSettings(0, 25))
	if err != nil {
		t.Fatalf("RunInboundSync: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 payment applied, got %d", count)
	}
	if len(invoices.applied) != 1 || invoices.applied[0].invoiceId != 42 {
		t.Fatalf("expected payment on invoice 42, got %+v", invoices.applied)
	}
	if client.getCalls != 0 {
		t.Fatalf("linked invoice must resolve without a remote fetch, got %d fetches", client.getCalls)
	}
	if client.lastType != "debit" {
		t.Fatalf("expected debit mutations only, got %q", client.lastType)
	}
}

func TestInboundSyncRepairsMissingLink(t *testing.T) {
	client := &fakeClient{
		versionIds: []moneybird.ID{7002},
		remoteInvoices: map[moneybird.ID]*moneybird.SalesInvoice{
			901: {ID: 901, Reference: "55"},
		},
		mutations: []moneybird.FinancialMutation{{
			ID:           7002,
			MutationType: "debit",
			Payments: []moneybird.MutationPayment{{
				ID:          2,
				InvoiceType: moneybird.InvoiceTypeSalesInvoice,
				InvoiceId:   901,
				Price:       decimal.RequireFromString("10.00"),
			}},
		}},
	}
	links := newFakeLinkStore()
	invoices := newFakeInvoiceStore(unpaidInvoice(55, "10.00"))
	engine := testEngine(client, links, invoices, &fakeLogSink{})

	count, err := engine.RunInboundSync(context.Background(), enabledSettings(0, 25))
	if err != nil {
		t.Fatalf("RunInboundSync: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 payment applied, got %d", count)
	}
	if client.getCalls != 1 {
		t.Fatalf("expected exactly one remote fetch, got %d", client.getCalls)
	}
	if links.byLocal[55] != 901 {
		t.Fatalf("expected the link store to be repaired, got %v", links.byLocal)
	}

	// Second cycle resolves from the repaired link without another fetch.
	client.mutations[0].Payments[0].ID = 3
	if _, err := engine.RunInboundSync(context.Background(), enabledSettings(0, 25)); err != nil {
		t.Fatalf("second RunInboundSync: %v", err)
	}
	if client.getCalls != 1 {
		t.Fatalf("repaired link must short-circuit the remote fetch, got %d fetches", client.getCalls)
	}
}

func TestInboundSyncSkipsNonSalesInvoice(t *testing.T) {
	client := &fakeClient{
		versionIds: []moneybird.ID{7003},
		mutations: []moneybird.FinancialMutation{{
			ID:           7003,
			MutationType: "debit",
			Payments: []moneybird.MutationPayment{{
				ID:          4,
				InvoiceType: "PurchaseInvoice",
				InvoiceId:   902,
				Price:       decimal.RequireFromString("10.00"),
			}},
		}},
	}
	links := newFakeLinkStore()
	links.byLocal[60] = 902
	invoices := newFakeInvoiceStore(unpaidInvoice(60, "10.00"))
	engine := testEngine(client, links, invoices, &fakeLogSink{})

	count, err := engine.RunInboundSync(context.Background(), enabledSettings(0, 25))
	if err != nil {
		t.Fatalf("RunInboundSync: %v", err)
	}
	if count != 0 || len(invoices.applied) != 0 {
		t.Fatalf("non sales-invoice payments must never be applied, got count=%d applied=%v", count, invoices.applied)
	}
}

func TestInboundSyncDuplicateLinkIsLoggedAndSkipped(t *testing.T) {
	client := &fakeClient{
		versionIds: []moneybird.ID{7004},
		mutations: []moneybird.FinancialMutation{{
			ID:           7004,
			MutationType: "debit",
			Payments: []moneybird.MutationPayment{{
				ID:          5,
				InvoiceType: moneybird.InvoiceTypeSalesInvoice,
				InvoiceId:   903,
				Price:       decimal.RequireFromString("10.00"),
			}},
		}},
	}
	links := newFakeLinkStore()
	links.duplicateIds[903] = true
	invoices := newFakeInvoiceStore(unpaidInvoice(70, "10.00"))
	logs := &fakeLogSink{}
	engine := testEngine(client, links, invoices, logs)

	count, err := engine.RunInboundSync(context.Background(), enabledSettings(0, 25))
	if err != nil {
		t.Fatalf("RunInboundSync: %v", err)
	}
	if count != 0 || len(invoices.applied) != 0 {
		t.Fatal("payments behind a duplicate link must not be applied")
	}
	if len(logs.entries) != 1 {
		t.Fatalf("expected one log entry for the integrity fault, got %d", len(logs.entries))
	}
	if logs.entries[0].Type != models.SyncLogTypeLink || logs.entries[0].EntityId != 903 {
		t.Fatalf("unexpected log entry: %+v", logs.entries[0])
	}
}

func TestInboundSyncSkipsMalformedPayment(t *testing.T) {
	client := &fakeClient{
		versionIds: []moneybird.ID{7006},
		mutations: []moneybird.FinancialMutation{{
			ID:           7006,
			MutationType: "debit",
			Payments: []moneybird.MutationPayment{{
				// invoice_id missing entirely
				ID:          8,
				InvoiceType: moneybird.InvoiceTypeSalesInvoice,
				Price:       decimal.RequireFromString("10.00"),
			}},
		}},
	}
	invoices := newFakeInvoiceStore(unpaidInvoice(80, "10.00"))
	engine := testEngine(client, newFakeLinkStore(), invoices, &fakeLogSink{})

	count, err := engine.RunInboundSync(context.Background(), enabledSettings(0, 25))
	if err != nil {
		t.Fatalf("RunInboundSync: %v", err)
	}
	if count != 0 || len(invoices.applied) != 0 {
		t.Fatal("malformed payments must be skipped")
	}
}

func TestInboundSyncSkipsUnknownLocalInvoice(t *testing.T) {
	client := &fakeClient{
		versionIds: []moneybird.ID{7005},
		mutations: []moneybird.FinancialMutation{{
			ID:           7005,
			MutationType: "debit",
			Payments: []moneybird.MutationPayment{{
				ID:          6,
				InvoiceType: moneybird.InvoiceTypeSalesInvoice,
				InvoiceId:   904,
				Price:       decimal.RequireFromString("10.00"),
			}},
		}},
	}
	links := newFakeLinkStore()
	links.byLocal[9999] = 904 // linked, but the invoice is gone locally
	engine := testEngine(client, links, newFakeInvoiceStore(), &fakeLogSink{})

	count, err := engine.RunInboundSync(context.Background(), enabledSettings(0, 25))
	if err != nil {
		t.Fatalf("RunInboundSync: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected the orphaned payment to be skipped, got %d applied", count)
	}
}

func TestSyncInvoiceUnknownId(t *testing.T) {
	engine := testEngine(&fakeClient{}, newFakeLinkStore(), newFakeInvoiceStore(), &fakeLogSink{})
	if _, err := engine.SyncInvoice(context.Background(), 12345); err == nil {
		t.Fatal("expected an error for an unknown invoice id")
	}
}

func TestTopMutationIds(t *testing.T) {
	ids := make([]moneybird.ID, 0, 150)
	for i := 1; i <= 150; i++ {
		ids = append(ids, moneybird.ID(i))
	}
	top := topMutationIds(ids, 100)
	if len(top) != 100 {
		t.Fatalf("expected 100 ids, got %d", len(top))
	}
	if top[0] != 150 || top[99] != 51 {
		t.Fatalf("expected ids 150..51 newest first, got first=%d last=%d", top[0], top[99])
	}

	few := topMutationIds([]moneybird.ID{3, 1, 2}, 100)
	if len(few) != 3 || few[0] != 3 || few[2] != 1 {
		t.Fatalf("expected descending order without truncation, got %v", few)
	}
}

func TestPeriodFilter(t *testing.T) {
	cases := []struct {
		now  time.Time
		want string
	}{
		{time.Date(2026, time.August, 15, 12, 0, 0, 0, time.UTC), "202607..202608"},
		{time.Date(2026, time.January, 3, 0, 0, 0, 0, time.UTC), "202512..202601"},
		{time.Date(2026, time.March, 31, 23, 59, 59, 0, time.UTC), "202602..202603"},
	}
	for _, c := range cases {
		if got := periodFilter(c.now); got != c.want {
			t.Fatalf("periodFilter(%s) = %q, want %q", c.now.Format("2006-01-02"), got, c.want)
		}
	}
}

func TestInboundSyncFetchesOnlyTopIds(t *testing.T) {
	ids := make([]moneybird.ID, 0, 120)
	for i := 1; i <= 120; i++ {
		ids = append(ids, moneybird.ID(i))
	}
	client := &fakeClient{versionIds: ids}
	engine := testEngine(client, newFakeLinkStore(), newFakeInvoiceStore(), &fakeLogSink{})

	if _, err := engine.RunInboundSync(context.Background(), enabledSettings(0, 25)); err != nil {
		t.Fatalf("RunInboundSync: %v", err)
	}
	if len(client.lastFetchedIds) != 100 {
		t.Fatalf("expected fetch capped at 100 ids, got %d", len(client.lastFetchedIds))
	}
	if client.lastFetchedIds[0] != 120 {
		t.Fatalf("expected newest id first, got %d", client.lastFetchedIds[0])
	}
}

func TestOutboundSyncStopsAtDeadline(t *testing.T) {
	client := &fakeClient{}
	invoices := newFakeInvoiceStore(unpaidInvoice(1, "10.00"), unpaidInvoice(2, "10.00"))
	engine := testEngine(client, newFakeLinkStore(), invoices, &fakeLogSink{})

	base := time.Date(2026, time.August, 15, 12, 0, 0, 0, time.UTC)
	engine.Deadline = base.Add(-time.Second)
	engine.Now = func() time.Time { return base }

	count, err := engine.RunOutboundSync(context.Background(), enabledSettings(0, 25))
	if err != nil {
		t.Fatalf("RunOutboundSync: %v", err)
	}
	if count != 0 || client.createCalls != 0 {
		t.Fatalf("expected no work past the deadline, got count=%d creates=%d", count, client.createCalls)
	}
}
