package main

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tiancaiamao/sto"
	"github.com/tiancaiamao/sto/omap"
	"go.uber.org/zap"
)

type options struct {
	policy   string
	threads  int
	ops      int
	duration time.Duration
	keys     int
}

func addWorkloadFlags(fs *pflag.FlagSet, o *options) {
	fs.StringVarP(&o.policy, "policy", "p", "occ", "concurrency control policy")
	fs.IntVarP(&o.threads, "threads", "t", 4, "number of worker threads")
	fs.IntVarP(&o.ops, "ops", "n", 100000, "transactions per thread, 0 for no limit")
	fs.DurationVarP(&o.duration, "duration", "d", 0, "stop after this long, 0 for no limit")
	fs.IntVarP(&o.keys, "keys", "k", 64, "number of keys or accounts")
}

func (o *options) validate() (sto.Policy, error) {
	p, err := sto.ParsePolicy(o.policy)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if o.threads <= 0 || o.threads > sto.MaxThreads {
		return 0, errors.Errorf("threads must be in [1, %d], got %d", sto.MaxThreads, o.threads)
	}
	if o.keys <= 0 {
		return 0, errors.Errorf("keys must be positive, got %d", o.keys)
	}
	if o.ops == 0 && o.duration == 0 {
		return 0, errors.New("either ops or duration must be set")
	}
	return p, nil
}

type workload struct {
	name string
	// prepare builds the shared state and returns the per transaction body
	// and a final consistency check.
	prepare func(p sto.Policy, o *options) (op func(th *sto.Thread, rng *rand.Rand) error, verify func(done int) error)
}

func newWorkloadCommand(w workload, short string) *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:   w.name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := o.validate()
			if err != nil {
				return err
			}
			_, teardown, err := setup()
			if err != nil {
				return err
			}
			defer teardown()
			return runWorkload(w, p, &o)
		},
	}
	addWorkloadFlags(cmd.Flags(), &o)
	return cmd
}

func runWorkload(w workload, p sto.Policy, o *options) error {
	lg := sto.Logger()
	op, verify := w.prepare(p, o)
	ctx := globalContext
	if o.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.duration)
		defer cancel()
	}

	before := sto.ReadStats()
	lg.Info("workload started", zap.String("workload", w.name), zap.Stringer("policy", p),
		zap.Int("threads", o.threads), zap.Int("ops", o.ops), zap.Duration("duration", o.duration))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		done  int
		first error
	)
	start := time.Now()
	wg.Add(o.threads)
	for i := 0; i < o.threads; i++ {
		go func(seed int64) {
			defer wg.Done()
			n, err := runWorker(ctx, o, op, seed)
			mu.Lock()
			done += n
			if err != nil && first == nil {
				first = err
			}
			mu.Unlock()
		}(int64(i) + 1)
	}
	wg.Wait()
	elapsed := time.Since(start)
	if first != nil {
		return first
	}

	after := sto.ReadStats()
	report(w.name, p, done, elapsed, before, after)
	if err := verify(done); err != nil {
		lg.Error("consistency check failed", zap.String("workload", w.name), zap.Error(err))
		return err
	}
	lg.Info("consistency check passed", zap.String("workload", w.name))
	return nil
}

func runWorker(ctx context.Context, o *options, op func(*sto.Thread, *rand.Rand) error, seed int64) (int, error) {
	th, err := sto.NewThread()
	if err != nil {
		return 0, errors.Trace(err)
	}
	defer th.Release()
	rng := rand.New(rand.NewSource(seed))
	n := 0
	for o.ops == 0 || n < o.ops {
		select {
		case <-ctx.Done():
			return n, nil
		default:
		}
		if err := op(th, rng); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func report(name string, p sto.Policy, done int, elapsed time.Duration, before, after sto.Stats) {
	commits := after.Commits - before.Commits
	aborts := after.Aborts - before.Aborts
	fmt.Printf("workload=%s policy=%s txns=%d elapsed=%s\n", name, p, done, elapsed.Round(time.Millisecond))
	fmt.Printf("  commits=%d aborts=%d throughput=%.0f txn/s\n", commits, aborts,
		float64(done)/elapsed.Seconds())
	reasons := make([]sto.AbortReason, 0, len(after.AbortsByReason))
	for r := range after.AbortsByReason {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
	for _, r := range reasons {
		if n := after.AbortsByReason[r] - before.AbortsByReason[r]; n > 0 {
			fmt.Printf("  aborts[%s]=%d\n", r, n)
		}
	}
	if n := after.MvCollected - before.MvCollected; n > 0 {
		fmt.Printf("  mvcc collected=%d\n", n)
	}
}

func newCounterCommand() *cobra.Command {
	return newWorkloadCommand(workload{name: "counter", prepare: prepareCounter},
		"All threads increment one shared counter")
}

func prepareCounter(p sto.Policy, o *options) (func(*sto.Thread, *rand.Rand) error, func(int) error) {
	counter := sto.NewBox(p, 0)
	op := func(th *sto.Thread, _ *rand.Rand) error {
		return th.Atomically(func(txn *sto.Transaction) error {
			v, err := counter.Load(txn)
			if err != nil {
				return err
			}
			return counter.Store(txn, v+1)
		})
	}
	verify := func(done int) error {
		if got := counter.NontransRead(); got != done {
			return errors.Errorf("counter is %d after %d increments", got, done)
		}
		return nil
	}
	return op, verify
}

const initialBalance = 100

func newBankCommand() *cobra.Command {
	return newWorkloadCommand(workload{name: "bank", prepare: prepareBank},
		"Random transfers between accounts; the total must not change")
}

func prepareBank(p sto.Policy, o *options) (func(*sto.Thread, *rand.Rand) error, func(int) error) {
	accounts := sto.NewArray[int](p, o.keys)
	for i := 0; i < accounts.Len(); i++ {
		accounts.NontransWrite(i, initialBalance)
	}
	op := func(th *sto.Thread, rng *rand.Rand) error {
		from, to := rng.Intn(accounts.Len()), rng.Intn(accounts.Len())
		if from == to {
			return nil
		}
		return th.Atomically(func(txn *sto.Transaction) error {
			vf, err := accounts.Load(txn, from)
			if err != nil || vf == 0 {
				return err
			}
			vt, err := accounts.Load(txn, to)
			if err != nil {
				return err
			}
			amount := rng.Intn(vf) + 1
			if err := accounts.Store(txn, from, vf-amount); err != nil {
				return err
			}
			return accounts.Store(txn, to, vt+amount)
		})
	}
	verify := func(int) error {
		total := 0
		for i := 0; i < accounts.Len(); i++ {
			total += accounts.NontransRead(i)
		}
		if want := initialBalance * accounts.Len(); total != want {
			return errors.Errorf("bank total is %d, want %d", total, want)
		}
		return nil
	}
	return op, verify
}

func newMapCommand() *cobra.Command {
	return newWorkloadCommand(workload{name: "map", prepare: prepareMap},
		"Mixed get, put, delete and scan on an ordered map")
}

func prepareMap(p sto.Policy, o *options) (func(*sto.Thread, *rand.Rand) error, func(int) error) {
	m := omap.New[int](p)
	size := sto.NewBox(sto.PolicyOCC, 0)
	key := func(rng *rand.Rand) string { return fmt.Sprintf("key%06d", rng.Intn(o.keys)) }
	op := func(th *sto.Thread, rng *rand.Rand) error {
		k := key(rng)
		action := rng.Intn(10)
		return th.Atomically(func(txn *sto.Transaction) error {
			switch {
			case action < 4:
				_, _, err := m.Get(txn, k)
				return err
			case action < 7:
				_, present, err := m.Get(txn, k)
				if err != nil {
					return err
				}
				if err := m.Put(txn, k, rng.Int()); err != nil || present {
					return err
				}
			case action < 9:
				deleted, err := m.Delete(txn, k)
				if err != nil || !deleted {
					return err
				}
				n, err := size.Load(txn)
				if err != nil {
					return err
				}
				return size.Store(txn, n-1)
			default:
				return m.Scan(txn, k, "", func(string, int) bool { return rng.Intn(16) != 0 })
			}
			n, err := size.Load(txn)
			if err != nil {
				return err
			}
			return size.Store(txn, n+1)
		})
	}
	verify := func(int) error {
		if got, want := m.NontransLen(), size.NontransRead(); got != want {
			return errors.Errorf("map holds %d keys, size counter says %d", got, want)
		}
		return nil
	}
	return op, verify
}

func newMvccCommand() *cobra.Command {
	return newWorkloadCommand(workload{name: "mvcc", prepare: prepareMvcc},
		"Commutative updates and snapshot reads on multi-version counters")
}

func prepareMvcc(p sto.Policy, o *options) (func(*sto.Thread, *rand.Rand) error, func(int) error) {
	boxes := make([]*sto.MvBox[int], o.keys)
	for i := range boxes {
		boxes[i] = sto.NewMvBox(0)
	}
	var (
		mu      sync.Mutex
		updates int
	)
	op := func(th *sto.Thread, rng *rand.Rand) error {
		if rng.Intn(4) == 0 {
			return th.Atomically(func(txn *sto.Transaction) error {
				for _, b := range boxes {
					if _, err := b.Read(txn); err != nil {
						return err
					}
				}
				return nil
			})
		}
		b := boxes[rng.Intn(len(boxes))]
		err := th.Atomically(func(txn *sto.Transaction) error {
			return b.Update(txn, func(v int) int { return v + 1 })
		})
		if err == nil {
			mu.Lock()
			updates++
			mu.Unlock()
		}
		return err
	}
	verify := func(int) error {
		total := 0
		for _, b := range boxes {
			total += b.NontransRead()
		}
		if total != updates {
			return errors.Errorf("counters sum to %d after %d updates", total, updates)
		}
		return nil
	}
	return op, verify
}
