package document

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockcore/internal/core/apperror"
	"stockcore/internal/core/id"
	"stockcore/internal/core/types"
	"stockcore/internal/domain/stock"
	"stockcore/internal/domain/valuation"
	"stockcore/internal/infrastructure/lock"
)

// snapshotter lets the fake transaction manager capture and restore
// store state, so a failed transaction observably rolls back.
type snapshotter interface {
	snapshot() any
	restore(any)
}

type txMark struct{}

type rollbackTx struct {
	stores []snapshotter
}

func (m *rollbackTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txMark{}) != nil {
		return fn(ctx)
	}
	snaps := make([]any, len(m.stores))
	for i, s := range m.stores {
		snaps[i] = s.snapshot()
	}
	err := fn(context.WithValue(ctx, txMark{}, true))
	if err != nil {
		for i, s := range m.stores {
			s.restore(snaps[i])
		}
	}
	return err
}

type fakeDocRepo struct {
	docs map[id.ID]*Document
}

func newFakeDocRepo() *fakeDocRepo {
	return &fakeDocRepo{docs: make(map[id.ID]*Document)}
}

func copyDoc(d *Document) *Document {
	cp := *d
	cp.Lines = append([]Line(nil), d.Lines...)
	return &cp
}

func (r *fakeDocRepo) Create(ctx context.Context, doc *Document) error {
	r.docs[doc.ID] = copyDoc(doc)
	return nil
}

func (r *fakeDocRepo) Get(ctx context.Context, tenantID, docID id.ID) (*Document, error) {
	d, ok := r.docs[docID]
	if !ok || d.TenantID != tenantID {
		return nil, nil
	}
	return copyDoc(d), nil
}

func (r *fakeDocRepo) GetForUpdate(ctx context.Context, tenantID, docID id.ID) (*Document, error) {
	return r.Get(ctx, tenantID, docID)
}

func (r *fakeDocRepo) ReplaceLines(ctx context.Context, tenantID, docID id.ID, lines []Line) error {
	d := r.docs[docID]
	d.Lines = append([]Line(nil), lines...)
	return nil
}

func (r *fakeDocRepo) UpdateStatus(ctx context.Context, doc *Document) error {
	stored := r.docs[doc.ID]
	stored.Status = doc.Status
	stored.Note = doc.Note
	stored.UpdatedAt = doc.UpdatedAt
	stored.PostedBy = doc.PostedBy
	stored.PostedAt = doc.PostedAt
	return nil
}

func (r *fakeDocRepo) List(ctx context.Context, tenantID id.ID, filter Filter) ([]Document, error) {
	var out []Document
	for _, d := range r.docs {
		if d.TenantID != tenantID {
			continue
		}
		if filter.Status != nil && d.Status != *filter.Status {
			continue
		}
		if filter.Type != nil && d.Type != *filter.Type {
			continue
		}
		cp := *d
		cp.Lines = nil
		out = append(out, cp)
	}
	return out, nil
}

func (r *fakeDocRepo) snapshot() any {
	snap := make(map[id.ID]*Document, len(r.docs))
	for k, v := range r.docs {
		snap[k] = copyDoc(v)
	}
	return snap
}

func (r *fakeDocRepo) restore(s any) {
	r.docs = s.(map[id.ID]*Document)
}

type fakeMoves struct {
	byKey map[string]*stock.Move
}

func newFakeMoves() *fakeMoves {
	return &fakeMoves{byKey: make(map[string]*stock.Move)}
}

func (r *fakeMoves) Insert(ctx context.Context, move *stock.Move) error {
	cp := *move
	r.byKey[move.IdempotencyKey] = &cp
	return nil
}

func (r *fakeMoves) GetByIdempotencyKey(ctx context.Context, tenantID id.ID, key string) (*stock.Move, error) {
	m, ok := r.byKey[key]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (r *fakeMoves) ListByReference(ctx context.Context, tenantID id.ID, referenceType string, referenceID id.ID) ([]stock.Move, error) {
	var out []stock.Move
	for _, m := range r.byKey {
		if m.TenantID == tenantID && m.ReferenceType == referenceType && m.ReferenceID == referenceID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (r *fakeMoves) snapshot() any {
	snap := make(map[string]*stock.Move, len(r.byKey))
	for k, v := range r.byKey {
		cp := *v
		snap[k] = &cp
	}
	return snap
}

func (r *fakeMoves) restore(s any) {
	r.byKey = s.(map[string]*stock.Move)
}

type fakeLevels struct {
	levels map[string]*stock.Level
}

func newFakeLevels() *fakeLevels {
	return &fakeLevels{levels: make(map[string]*stock.Level)}
}

func levelKey(tenantID, warehouseID, productID id.ID) string {
	return tenantID.String() + "/" + warehouseID.String() + "/" + productID.String()
}

func (r *fakeLevels) Get(ctx context.Context, tenantID, warehouseID, productID id.ID) (*stock.Level, error) {
	l, ok := r.levels[levelKey(tenantID, warehouseID, productID)]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (r *fakeLevels) GetForUpdate(ctx context.Context, tenantID, warehouseID, productID id.ID) (*stock.Level, error) {
	k := levelKey(tenantID, warehouseID, productID)
	l, ok := r.levels[k]
	if !ok {
		l = &stock.Level{TenantID: tenantID, ProductID: productID, WarehouseID: warehouseID}
		r.levels[k] = l
	}
	cp := *l
	return &cp, nil
}

func (r *fakeLevels) ApplyDelta(ctx context.Context, tenantID, warehouseID, productID id.ID, availableDelta, reservedDelta int64) (*stock.Level, error) {
	k := levelKey(tenantID, warehouseID, productID)
	l, ok := r.levels[k]
	if !ok {
		l = &stock.Level{TenantID: tenantID, ProductID: productID, WarehouseID: warehouseID}
		r.levels[k] = l
	}
	if l.Available+availableDelta < 0 || l.Reserved+reservedDelta < 0 {
		return nil, apperror.NewConflict("inventory counters would go negative")
	}
	l.Available += availableDelta
	l.Reserved += reservedDelta
	cp := *l
	return &cp, nil
}

func (r *fakeLevels) seed(tenantID, warehouseID, productID id.ID, available int64) {
	r.levels[levelKey(tenantID, warehouseID, productID)] = &stock.Level{
		TenantID: tenantID, ProductID: productID, WarehouseID: warehouseID, Available: available,
	}
}

func (r *fakeLevels) snapshot() any {
	snap := make(map[string]*stock.Level, len(r.levels))
	for k, v := range r.levels {
		cp := *v
		snap[k] = &cp
	}
	return snap
}

func (r *fakeLevels) restore(s any) {
	r.levels = s.(map[string]*stock.Level)
}

type stubLedger struct{}

func (stubLedger) ProcessMovement(ctx context.Context, tenantID, productID id.ID, quantityDelta int64, unitCost *types.MinorUnits, actor id.ID) (*valuation.Snapshot, error) {
	return &valuation.Snapshot{ProductID: productID}, nil
}

type publishedEvent struct {
	tenantID  id.ID
	eventType string
}

type fakePublisher struct {
	events []publishedEvent
}

func (p *fakePublisher) Publish(ctx context.Context, tenantID id.ID, eventType string, payload any) error {
	p.events = append(p.events, publishedEvent{tenantID: tenantID, eventType: eventType})
	return nil
}

func (p *fakePublisher) snapshot() any {
	return len(p.events)
}

func (p *fakePublisher) restore(s any) {
	p.events = p.events[:s.(int)]
}

type fakeNumberer struct {
	n int
}

func (f *fakeNumberer) NextNumber(ctx context.Context, tenantID id.ID, docType string) (string, error) {
	f.n++
	return fmt.Sprintf("%s-2026-%05d", docType, f.n), nil
}

type fixture struct {
	svc       *Service
	docs      *fakeDocRepo
	moves     *fakeMoves
	levels    *fakeLevels
	publisher *fakePublisher
}

func newFixture() *fixture {
	docs := newFakeDocRepo()
	moves := newFakeMoves()
	levels := newFakeLevels()
	publisher := &fakePublisher{}
	txm := &rollbackTx{stores: []snapshotter{docs, moves, levels, publisher}}
	locker := lock.NewMemoryLocker()

	executor := stock.NewExecutor(moves, levels, stubLedger{}, locker, txm, stock.DefaultConfig())
	svc := NewService(docs, executor, locker, txm, publisher, &fakeNumberer{}, Config{})
	return &fixture{svc: svc, docs: docs, moves: moves, levels: levels, publisher: publisher}
}

func minor(v int64) *types.MinorUnits {
	m := types.MinorUnits(v)
	return &m
}

func TestCreate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tenantID, actor := id.New(), id.New()

	doc, err := f.svc.Create(ctx, CreateRequest{
		TenantID: tenantID,
		Type:     TypeReceipt,
		Lines: []LineInput{
			{ProductID: id.New(), WarehouseID: id.New(), Quantity: 10, UnitCost: minor(100)},
		},
		Actor: actor,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, doc.Status)
	assert.Equal(t, "RCV-2026-00001", doc.Number)
	require.Len(t, doc.Lines, 1)
	assert.Equal(t, 1, doc.Lines[0].LineNo)
	assert.Equal(t, doc.ID, doc.Lines[0].DocumentID)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tenantID := id.New()

	_, err := f.svc.Create(ctx, CreateRequest{TenantID: tenantID, Type: "bogus"})
	assert.True(t, apperror.IsCode(err, apperror.CodeValidation))

	_, err = f.svc.Create(ctx, CreateRequest{
		TenantID: tenantID,
		Type:     TypeReceipt,
		Lines:    []LineInput{{ProductID: id.New(), WarehouseID: id.New(), Quantity: -5}},
	})
	assert.True(t, apperror.IsCode(err, apperror.CodeValidation))

	src := id.New()
	_, err = f.svc.Create(ctx, CreateRequest{
		TenantID: tenantID,
		Type:     TypeTransfer,
		Lines:    []LineInput{{ProductID: id.New(), WarehouseID: src, SourceWarehouseID: &src, Quantity: 5}},
	})
	assert.True(t, apperror.IsCode(err, apperror.CodeValidation))
}

func TestPost_Receipt(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tenantID, actor := id.New(), id.New()
	productID, warehouseID := id.New(), id.New()

	doc, err := f.svc.Create(ctx, CreateRequest{
		TenantID: tenantID,
		Type:     TypeReceipt,
		Lines: []LineInput{
			{ProductID: productID, WarehouseID: warehouseID, Quantity: 10, UnitCost: minor(100)},
		},
		Actor: actor,
	})
	require.NoError(t, err)

	posted, err := f.svc.Post(ctx, tenantID, doc.ID, actor)
	require.NoError(t, err)
	assert.Equal(t, StatusPosted, posted.Status)
	require.NotNil(t, posted.PostedBy)
	assert.Equal(t, actor, *posted.PostedBy)

	level, err := f.levels.Get(ctx, tenantID, warehouseID, productID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), level.Available)

	moves, err := f.moves.ListByReference(ctx, tenantID, ReferenceType, doc.ID)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Equal(t, stock.MoveReceipt, moves[0].Type)
	assert.Equal(t, lineIdempotencyKey(doc.ID, doc.Lines[0].ID), moves[0].IdempotencyKey)

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, "document.posted", f.publisher.events[0].eventType)
}

func TestPost_DoublePostIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tenantID, actor := id.New(), id.New()
	productID, warehouseID := id.New(), id.New()

	doc, err := f.svc.Create(ctx, CreateRequest{
		TenantID: tenantID,
		Type:     TypeReceipt,
		Lines: []LineInput{
			{ProductID: productID, WarehouseID: warehouseID, Quantity: 10, UnitCost: minor(100)},
		},
		Actor: actor,
	})
	require.NoError(t, err)

	_, err = f.svc.Post(ctx, tenantID, doc.ID, actor)
	require.NoError(t, err)

	again, err := f.svc.Post(ctx, tenantID, doc.ID, actor)
	require.NoError(t, err)
	assert.Equal(t, StatusPosted, again.Status)

	// Exactly one move set, one counter effect, one event.
	moves, err := f.moves.ListByReference(ctx, tenantID, ReferenceType, doc.ID)
	require.NoError(t, err)
	assert.Len(t, moves, 1)

	level, err := f.levels.Get(ctx, tenantID, warehouseID, productID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), level.Available)

	assert.Len(t, f.publisher.events, 1)
}

func TestPost_ConcurrentPostsProduceOneMoveSet(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tenantID, actor := id.New(), id.New()
	productID, warehouseID := id.New(), id.New()

	doc, err := f.svc.Create(ctx, CreateRequest{
		TenantID: tenantID,
		Type:     TypeReceipt,
		Lines: []LineInput{
			{ProductID: productID, WarehouseID: warehouseID, Quantity: 10, UnitCost: minor(100)},
		},
		Actor: actor,
	})
	require.NoError(t, err)

	const posters = 16
	errs := make(chan error, posters)
	var wg sync.WaitGroup
	for i := 0; i < posters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Post(ctx, tenantID, doc.ID, actor)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	// Losers bounce off the document lease; everyone who gets through
	// sees either the draft (first) or the posted result (idempotent).
	var posted int
	for err := range errs {
		if err == nil {
			posted++
			continue
		}
		assert.True(t, apperror.IsResourceLocked(err), "unexpected error: %v", err)
	}
	require.GreaterOrEqual(t, posted, 1)

	stored, err := f.svc.Get(ctx, tenantID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPosted, stored.Status)

	moves, err := f.moves.ListByReference(ctx, tenantID, ReferenceType, doc.ID)
	require.NoError(t, err)
	assert.Len(t, moves, 1)

	level, err := f.levels.Get(ctx, tenantID, warehouseID, productID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), level.Available)

	assert.Len(t, f.publisher.events, 1)
}

func TestPost_LineFailureRollsBackEverything(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tenantID, actor := id.New(), id.New()
	productID, warehouseID := id.New(), id.New()
	f.levels.seed(tenantID, warehouseID, productID, 2)

	doc, err := f.svc.Create(ctx, CreateRequest{
		TenantID: tenantID,
		Type:     TypeAdjustment,
		Lines: []LineInput{
			{ProductID: productID, WarehouseID: warehouseID, Quantity: 5},
			{ProductID: productID, WarehouseID: warehouseID, Quantity: -10},
		},
		Actor: actor,
	})
	require.NoError(t, err)

	_, err = f.svc.Post(ctx, tenantID, doc.ID, actor)
	assert.True(t, apperror.IsCode(err, apperror.CodeInsufficientStock))

	// The first line's effects are gone with the transaction.
	stored, err := f.svc.Get(ctx, tenantID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, stored.Status)

	level, err := f.levels.Get(ctx, tenantID, warehouseID, productID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), level.Available)

	moves, err := f.moves.ListByReference(ctx, tenantID, ReferenceType, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, moves)
	assert.Empty(t, f.publisher.events)
}

func TestPost_Transfer(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tenantID, actor := id.New(), id.New()
	productID, source, dest := id.New(), id.New(), id.New()
	f.levels.seed(tenantID, source, productID, 50)

	doc, err := f.svc.Create(ctx, CreateRequest{
		TenantID: tenantID,
		Type:     TypeTransfer,
		Lines: []LineInput{
			{ProductID: productID, WarehouseID: dest, SourceWarehouseID: &source, Quantity: 20},
		},
		Actor: actor,
	})
	require.NoError(t, err)

	_, err = f.svc.Post(ctx, tenantID, doc.ID, actor)
	require.NoError(t, err)

	sourceLevel, err := f.levels.Get(ctx, tenantID, source, productID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), sourceLevel.Available)

	destLevel, err := f.levels.Get(ctx, tenantID, dest, productID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), destLevel.Available)

	moves, err := f.moves.ListByReference(ctx, tenantID, ReferenceType, doc.ID)
	require.NoError(t, err)
	require.Len(t, moves, 2)
	var outs, ins int
	for _, m := range moves {
		assert.Equal(t, stock.MoveTransfer, m.Type)
		// Warehouses travel in WarehouseID; the optional location
		// fields stay empty until bin-level tracking exists.
		assert.Nil(t, m.SourceLocationID)
		assert.Nil(t, m.DestLocationID)
		switch {
		case strings.HasSuffix(m.IdempotencyKey, ":out"):
			outs++
			assert.Equal(t, int64(-20), m.Quantity)
		case strings.HasSuffix(m.IdempotencyKey, ":in"):
			ins++
			assert.Equal(t, int64(20), m.Quantity)
		}
	}
	assert.Equal(t, 1, outs)
	assert.Equal(t, 1, ins)
}

func TestPost_StateErrors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tenantID, actor := id.New(), id.New()

	_, err := f.svc.Post(ctx, tenantID, id.New(), actor)
	assert.True(t, apperror.IsNotFound(err))

	empty, err := f.svc.Create(ctx, CreateRequest{TenantID: tenantID, Type: TypeAdjustment, Actor: actor})
	require.NoError(t, err)
	_, err = f.svc.Post(ctx, tenantID, empty.ID, actor)
	assert.True(t, apperror.IsCode(err, apperror.CodeValidation))

	cancelled, err := f.svc.Create(ctx, CreateRequest{TenantID: tenantID, Type: TypeAdjustment, Actor: actor})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, tenantID, cancelled.ID, actor)
	require.NoError(t, err)
	_, err = f.svc.Post(ctx, tenantID, cancelled.ID, actor)
	assert.True(t, apperror.IsCode(err, apperror.CodeInvalidState))
}

func TestReplaceLines(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tenantID, actor := id.New(), id.New()
	productID, warehouseID := id.New(), id.New()

	doc, err := f.svc.Create(ctx, CreateRequest{TenantID: tenantID, Type: TypeReceipt, Actor: actor})
	require.NoError(t, err)

	updated, err := f.svc.ReplaceLines(ctx, tenantID, doc.ID, []LineInput{
		{ProductID: productID, WarehouseID: warehouseID, Quantity: 7, UnitCost: minor(50)},
	})
	require.NoError(t, err)
	require.Len(t, updated.Lines, 1)
	assert.Equal(t, int64(7), updated.Lines[0].Quantity)

	_, err = f.svc.Post(ctx, tenantID, doc.ID, actor)
	require.NoError(t, err)

	_, err = f.svc.ReplaceLines(ctx, tenantID, doc.ID, nil)
	assert.True(t, apperror.IsCode(err, apperror.CodeInvalidState))
}

func TestCancel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tenantID, actor := id.New(), id.New()

	doc, err := f.svc.Create(ctx, CreateRequest{TenantID: tenantID, Type: TypeScrap, Actor: actor})
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, tenantID, doc.ID, actor)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, "document.cancelled", f.publisher.events[0].eventType)

	_, err = f.svc.Cancel(ctx, tenantID, doc.ID, actor)
	assert.True(t, apperror.IsCode(err, apperror.CodeInvalidState))
}
