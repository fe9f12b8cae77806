package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"possync/internal/backend"
	"possync/internal/database"
	"possync/internal/domain"
	"possync/internal/events"
	"possync/internal/idempotency"
	"possync/internal/models"
	"possync/internal/queue"
	"possync/internal/repository"

	"github.com/rs/zerolog"
)

// Options configures a diagnostics run.
type Options struct {
	// Transport is config.TransportHTTP (default) or config.TransportGRPC.
	Transport string
	Seed      uint64
	// Only restricts the run to the named scenarios.
	Only []string
	// WorkDir holds on-disk stores; a temporary directory is used when empty.
	WorkDir         string
	ScenarioTimeout time.Duration
	Logger          *zerolog.Logger
}

// Result is the outcome of one scenario.
type Result struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Report collects every scenario result of a run.
type Report struct {
	Transport string   `json:"transport"`
	Results   []Result `json:"results"`
}

// Failed returns the number of failed scenarios.
func (r Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if !res.Passed {
			n++
		}
	}
	return n
}

// Err joins the errors of failed scenarios.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if !res.Passed {
			errs = append(errs, fmt.Errorf("%s: %s", res.Name, res.Error))
		}
	}
	return errors.Join(errs...)
}

type scenario struct {
	name string
	run  func(ctx context.Context, r *runner) error
}

var scenarios = []scenario{
	{"idempotency", scenarioIdempotency},
	{"ordering", scenarioOrdering},
	{"durability", scenarioDurability},
	{"bounded_queue", scenarioBoundedQueue},
	{"partial_failure", scenarioPartialFailure},
	{"reconnect_trigger", scenarioReconnectTrigger},
	{"corrupted_store", scenarioCorruptedStore},
	{"lossy_link", scenarioLossyLink},
	{"inv100_end_to_end", scenarioEndToEnd},
}

// Scenarios lists the scenario names in run order.
func Scenarios() []string {
	names := make([]string, len(scenarios))
	for i, s := range scenarios {
		names[i] = s.name
	}
	return names
}

type runner struct {
	opts Options
	dir  string
}

func (r *runner) env(o envOptions) (*env, error) {
	o.transport = r.opts.Transport
	o.seed = r.opts.Seed
	o.logger = r.opts.Logger
	return newEnv(o)
}

// Run executes the selected scenarios sequentially, each against a fresh stack.
func Run(ctx context.Context, opts Options) (Report, error) {
	if opts.Transport == "" {
		opts.Transport = "http"
	}
	if opts.ScenarioTimeout <= 0 {
		opts.ScenarioTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	for _, name := range opts.Only {
		if !slices.Contains(Scenarios(), name) {
			return Report{}, fmt.Errorf("unknown scenario %q", name)
		}
	}

	dir := opts.WorkDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "possync-diagnose-*")
		if err != nil {
			return Report{}, fmt.Errorf("create work dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	report := Report{Transport: opts.Transport}
	r := &runner{opts: opts, dir: dir}
	for _, s := range scenarios {
		if len(opts.Only) > 0 && !slices.Contains(opts.Only, s.name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		sctx, cancel := context.WithTimeout(ctx, opts.ScenarioTimeout)
		start := time.Now()
		err := s.run(sctx, r)
		cancel()

		res := Result{Name: s.name, Passed: err == nil, Duration: time.Since(start)}
		log := opts.Logger.Info()
		if err != nil {
			res.Error = err.Error()
			log = opts.Logger.Error().Err(err)
		}
		log.Str("scenario", s.name).Dur("duration", res.Duration).Bool("passed", res.Passed).Msg("Diagnostics scenario finished")
		report.Results = append(report.Results, res)
	}
	return report, nil
}

func statusPayload(status string) json.RawMessage {
	raw, _ := json.Marshal(models.StatusUpdatePayload{Status: status})
	return raw
}

func seedInvoices(e *env, ids ...string) {
	for _, id := range ids {
		e.fake.AddInvoice(models.Invoice{ID: id, Status: models.InvoiceIssued, Total: 1000})
	}
}

// submitQueued submits while offline and checks the operation was queued.
func submitQueued(ctx context.Context, e *env, opType models.OperationType, target string, payload json.RawMessage) (models.QueuedOperation, error) {
	res, err := e.svc.Submit(ctx, opType, target, payload)
	if err != nil {
		return models.QueuedOperation{}, err
	}
	if !res.Queued || res.Operation == nil {
		return models.QueuedOperation{}, fmt.Errorf("%s on %s was not queued", opType, target)
	}
	return *res.Operation, nil
}

func scenarioIdempotency(ctx context.Context, r *runner) error {
	e, err := r.env(envOptions{})
	if err != nil {
		return err
	}
	defer e.close()
	seedInvoices(e, "INV-1")

	op := models.QueuedOperation{
		ID:             idempotency.NewOperationID(),
		IdempotencyKey: idempotency.NewGenerator().Generate(),
		Type:           models.OpStatusUpdate,
		TargetEntityID: "INV-1",
		Payload:        statusPayload(models.InvoicePaid),
		CreatedAt:      time.Now(),
		Status:         models.StatusPending,
	}
	for i := 0; i < 2; i++ {
		if err := e.registry.Execute(ctx, op); err != nil {
			return fmt.Errorf("execution %d: %w", i+1, err)
		}
	}
	if calls := e.fake.Calls(); calls != 2 {
		return fmt.Errorf("expected 2 backend calls, got %d", calls)
	}
	if effects := e.fake.Effects(); len(effects) != 1 {
		return fmt.Errorf("expected 1 effect for a repeated key, got %d", len(effects))
	}
	return nil
}

func scenarioOrdering(ctx context.Context, r *runner) error {
	e, err := r.env(envOptions{})
	if err != nil {
		return err
	}
	defer e.close()
	seedInvoices(e, "INV-1", "INV-2")
	if err := e.goOffline(ctx); err != nil {
		return err
	}

	var keys []string
	for _, step := range []struct{ target, status string }{
		{"INV-1", models.InvoicePaid},
		{"INV-2", models.InvoicePaid},
		{"INV-1", models.InvoiceCancelled},
		{"INV-1", models.InvoiceDraft},
	} {
		op, err := submitQueued(ctx, e, models.OpStatusUpdate, step.target, statusPayload(step.status))
		if err != nil {
			return err
		}
		if step.target == "INV-1" {
			keys = append(keys, op.IdempotencyKey)
		}
	}

	if err := e.goOnline(ctx); err != nil {
		return err
	}
	if _, err := e.orch.SyncNow(ctx); err != nil {
		return err
	}

	var got []string
	for _, eff := range e.fake.Effects() {
		if eff.Target == "INV-1" {
			got = append(got, eff.IdempotencyKey)
		}
	}
	if !slices.Equal(keys, got) {
		return fmt.Errorf("INV-1 effects out of order: want %v, got %v", keys, got)
	}
	inv, err := e.client.GetInvoice(ctx, "INV-1")
	if err != nil {
		return err
	}
	if inv.Status != models.InvoiceDraft {
		return fmt.Errorf("INV-1 should end %s, got %s", models.InvoiceDraft, inv.Status)
	}
	return nil
}

func scenarioDurability(ctx context.Context, r *runner) error {
	opens := []struct {
		name string
		open func() (domain.OperationStore, error)
	}{
		{"file", func() (domain.OperationStore, error) {
			return repository.NewFileOperationStore(filepath.Join(r.dir, "durability.json"), r.opts.Logger)
		}},
		{"sqlite", func() (domain.OperationStore, error) {
			return database.NewDB(filepath.Join(r.dir, "durability.db"), r.opts.Logger)
		}},
	}

	for _, o := range opens {
		store, err := o.open()
		if err != nil {
			return fmt.Errorf("%s: open: %w", o.name, err)
		}
		q := queue.New(store, queue.Options{}, r.opts.Logger)
		op := models.QueuedOperation{
			ID:             idempotency.NewOperationID(),
			IdempotencyKey: idempotency.NewGenerator().Generate(),
			Type:           models.OpEmailSend,
			TargetEntityID: "INV-7",
			Payload:        json.RawMessage(`{"to":"buyer@example.com"}`),
			CreatedAt:      time.Now().UTC(),
		}
		if err := q.Enqueue(ctx, op); err != nil {
			store.Close()
			return fmt.Errorf("%s: enqueue: %w", o.name, err)
		}
		if err := store.Close(); err != nil {
			return fmt.Errorf("%s: close: %w", o.name, err)
		}

		// A restart: fresh store handle, fresh queue.
		reopened, err := o.open()
		if err != nil {
			return fmt.Errorf("%s: reopen: %w", o.name, err)
		}
		restored := queue.New(reopened, queue.Options{}, r.opts.Logger)
		loadErr := restored.Load(ctx)
		got, ok := restored.Get(op.ID)
		reopened.Close()
		if loadErr != nil {
			return fmt.Errorf("%s: load: %w", o.name, loadErr)
		}
		if !ok {
			return fmt.Errorf("%s: operation lost across restart", o.name)
		}
		if got.Status != models.StatusPending || got.IdempotencyKey != op.IdempotencyKey {
			return fmt.Errorf("%s: restored operation is %s with key %s", o.name, got.Status, got.IdempotencyKey)
		}
	}
	return nil
}

func scenarioBoundedQueue(ctx context.Context, r *runner) error {
	const limit = 3
	e, err := r.env(envOptions{maxSize: limit})
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.goOffline(ctx); err != nil {
		return err
	}

	for i := 0; i < limit; i++ {
		if _, err := submitQueued(ctx, e, models.OpPrintRequest, fmt.Sprintf("INV-%d", i), nil); err != nil {
			return err
		}
	}
	_, err = e.svc.SubmitValue(ctx, models.OpPrintRequest, "INV-overflow", models.PrintPayload{Copies: 1})
	if !errors.Is(err, queue.ErrQueueFull) {
		return fmt.Errorf("expected queue full, got %v", err)
	}
	if size := e.queue.Size(); size != limit {
		return fmt.Errorf("queue grew past its limit: %d", size)
	}
	return nil
}

func scenarioPartialFailure(ctx context.Context, r *runner) error {
	e, err := r.env(envOptions{})
	if err != nil {
		return err
	}
	defer e.close()
	seedInvoices(e, "INV-A", "INV-B", "INV-C")
	if err := e.goOffline(ctx); err != nil {
		return err
	}

	var ops []models.QueuedOperation
	for _, target := range []string{"INV-A", "INV-B", "INV-C"} {
		op, err := submitQueued(ctx, e, models.OpStatusUpdate, target, statusPayload(models.InvoicePaid))
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}

	e.cond.SetOffline(false)
	e.fake.FailTarget("INV-B", backend.ErrUnavailable)
	res, err := e.orch.SyncNow(ctx)
	if err != nil {
		return err
	}
	if res.Succeeded != 2 || res.Failed != 1 {
		return fmt.Errorf("expected 2 succeeded and 1 failed, got %d and %d", res.Succeeded, res.Failed)
	}
	for _, id := range []string{ops[0].ID, ops[2].ID} {
		if _, ok := e.queue.Get(id); ok {
			return fmt.Errorf("operation %s should have been removed", id)
		}
	}
	failed, ok := e.queue.Get(ops[1].ID)
	if !ok {
		return errors.New("failed operation was removed")
	}
	if failed.Status != models.StatusFailed || failed.Attempts != 1 || failed.Terminal {
		return fmt.Errorf("failed operation state: status=%s attempts=%d terminal=%v", failed.Status, failed.Attempts, failed.Terminal)
	}
	return nil
}

func scenarioReconnectTrigger(ctx context.Context, r *runner) error {
	e, err := r.env(envOptions{})
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.goOffline(ctx); err != nil {
		return err
	}
	if _, err := submitQueued(ctx, e, models.OpPrintRequest, "INV-9", json.RawMessage(`{"copies":2}`)); err != nil {
		return err
	}

	e.orch.Start(ctx)
	if err := e.goOnline(ctx); err != nil {
		return err
	}
	err = waitFor(ctx, "reconnect drain", func() bool {
		for _, res := range e.syncResults() {
			if res.Trigger == models.TriggerReconnect && res.Succeeded == 1 {
				return true
			}
		}
		return false
	})
	if err != nil {
		return err
	}
	if size := e.queue.Size(); size != 0 {
		return fmt.Errorf("queue should be empty after reconnect, has %d", size)
	}
	return nil
}

func scenarioCorruptedStore(ctx context.Context, r *runner) error {
	path := filepath.Join(r.dir, "corrupted.json")
	if err := os.WriteFile(path, []byte(`[{"id":"op-1","idempotency_key":`), 0o600); err != nil {
		return err
	}
	store, err := repository.NewFileOperationStore(path, r.opts.Logger)
	if err != nil {
		return err
	}
	ops, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load of a corrupted snapshot failed: %w", err)
	}
	if len(ops) != 0 {
		return fmt.Errorf("expected an empty queue, got %d operations", len(ops))
	}

	q := queue.New(store, queue.Options{}, r.opts.Logger)
	if err := q.Load(ctx); err != nil {
		return fmt.Errorf("queue load: %w", err)
	}
	if q.Size() != 0 {
		return fmt.Errorf("expected an empty queue, got %d", q.Size())
	}
	return nil
}

// scenarioLossyLink drops responses after the backend applied them; retries
// carrying the same key must not duplicate effects.
func scenarioLossyLink(ctx context.Context, r *runner) error {
	const ops = 5
	e, err := r.env(envOptions{maxAttempts: 1000})
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.goOffline(ctx); err != nil {
		return err
	}
	for i := 0; i < ops; i++ {
		if _, err := submitQueued(ctx, e, models.OpEmailSend, fmt.Sprintf("INV-%d", i), json.RawMessage(`{"to":"a@b.c"}`)); err != nil {
			return err
		}
	}

	e.cond.SetOffline(false)
	e.cond.SetLatency(2 * time.Millisecond)
	e.cond.SetPacketLoss(0.4)
	err = waitFor(ctx, "lossy drain", func() bool {
		if _, err := e.orch.SyncNow(ctx); err != nil {
			return false
		}
		return e.queue.Size() == 0
	})
	if err != nil {
		return err
	}

	effects := e.fake.Effects()
	if len(effects) != ops {
		return fmt.Errorf("expected %d effects, got %d after %d calls", ops, len(effects), e.fake.Calls())
	}
	return nil
}

func scenarioEndToEnd(ctx context.Context, r *runner) error {
	e, err := r.env(envOptions{})
	if err != nil {
		return err
	}
	defer e.close()
	seedInvoices(e, "INV-100")
	completed := make(chan events.OperationPayload, 4)
	e.bus.Subscribe(events.EventOperationDone, func(ev *events.Event) error {
		var p events.OperationPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		select {
		case completed <- p:
		default:
		}
		return nil
	})

	if err := e.goOffline(ctx); err != nil {
		return err
	}
	op, err := submitQueued(ctx, e, models.OpStatusUpdate, "INV-100", statusPayload(models.InvoicePaid))
	if err != nil {
		return err
	}
	st := e.svc.Status()
	if st.QueueSize != 1 || st.PendingCount != 1 {
		return fmt.Errorf("expected one pending operation, status is %+v", st)
	}

	e.orch.Start(ctx)
	if err := e.goOnline(ctx); err != nil {
		return err
	}
	err = waitFor(ctx, "1 succeeded notification", func() bool {
		for _, res := range e.syncResults() {
			if res.Succeeded == 1 && res.Failed == 0 {
				return true
			}
		}
		return false
	})
	if err != nil {
		return err
	}
	if size := e.queue.Size(); size != 0 {
		return fmt.Errorf("queue should be empty, has %d", size)
	}

	select {
	case p := <-completed:
		if p.OperationID != op.ID || p.Result != "succeeded" {
			return fmt.Errorf("unexpected completion event %+v", p)
		}
	case <-ctx.Done():
		return errors.New("no operation completion event")
	}

	inv, ok := e.view.Get("INV-100")
	if !ok {
		return errors.New("INV-100 missing from the refreshed invoice view")
	}
	if inv.Status != models.InvoicePaid {
		return fmt.Errorf("INV-100 status is %s, want %s", inv.Status, models.InvoicePaid)
	}
	return nil
}
