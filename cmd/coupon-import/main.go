package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/shop-ledger/internal/domain/discount"
	"github.com/xenking/shop-ledger/internal/storage/postgres"
	"github.com/xenking/shop-ledger/pkg/money"
)

const (
	minCodeLen    = 4
	maxCodeLen    = 32
	progressEvery = 1_000_000
)

type options struct {
	pattern     string
	databaseURL string
	capacity    uint
	fpr         float64
	batch       int
	rule        discount.Coupon
}

func main() {
	var (
		opts     options
		kind     string
		value    string
		minOrder string
	)

	flag.StringVar(&opts.pattern, "files", "data/*.gz", "glob of gzip'd code lists, one code per line")
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&opts.capacity, "capacity", 10_000_000, "expected number of distinct codes")
	flag.Float64Var(&opts.fpr, "fpr", 1e-7, "bloom filter false positive rate")
	flag.IntVar(&opts.batch, "batch", 1000, "codes per insert batch")
	flag.StringVar(&kind, "type", string(discount.DiscountPercentage), "discount type: percentage or fixed_amount")
	flag.StringVar(&value, "value", "10", "discount value")
	flag.StringVar(&minOrder, "min-order", "0", "minimum order amount")
	flag.StringVar(&opts.rule.Description, "description", "Imported promo code", "coupon description")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		lg.Fatal("database URL is required: set --database-url or DATABASE_URL")
	}
	if err := opts.parseRule(kind, value, minOrder); err != nil {
		lg.Fatal("Invalid coupon rule", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, opts); err != nil {
		lg.Fatal("Coupon import failed", zap.Error(err))
	}
	lg.Info("Coupon import completed")
}

func (o *options) parseRule(kind, value, minOrder string) error {
	o.rule.DiscountType = discount.DiscountType(kind)
	switch o.rule.DiscountType {
	case discount.DiscountPercentage, discount.DiscountFixedAmount:
	default:
		return errors.Errorf("unknown discount type %q", kind)
	}
	v, err := decimal.NewFromString(value)
	if err != nil {
		return errors.Wrap(err, "value")
	}
	if !v.IsPositive() {
		return errors.New("value must be positive")
	}
	o.rule.Value = v
	if o.rule.MinOrderAmount, err = money.Parse(minOrder); err != nil {
		return errors.Wrap(err, "min order")
	}
	if o.batch <= 0 {
		return errors.New("batch must be positive")
	}
	return nil
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	files, err := filepath.Glob(opts.pattern)
	if err != nil {
		return errors.Wrap(err, "glob files")
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %q", opts.pattern)
	}

	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()
	repo := postgres.NewCouponRepository(postgres.NewDB(pool))

	lg.Info("Importing coupon codes", zap.Strings("files", files))

	codes := make(chan string, opts.batch)
	d := newDeduper(opts.capacity, opts.fpr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(codes)
		return d.collect(gctx, lg, files, codes)
	})

	var inserted int64
	g.Go(func() error {
		n, err := writeBatches(gctx, codes, opts.batch, func(ctx context.Context, batch []string) (int64, error) {
			return repo.InsertCodes(ctx, opts.rule, batch)
		})
		inserted = n
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	lg.Info("Import summary",
		zap.Uint64("unique", d.unique),
		zap.Uint64("duplicates", d.duplicates),
		zap.Int64("inserted", inserted),
	)
	return nil
}

// deduper drops codes already seen in any input file. A bloom filter false
// positive drops a new code, at the configured rate.
type deduper struct {
	mu         sync.Mutex
	filter     *bloom.BloomFilter
	unique     uint64
	duplicates uint64
}

func newDeduper(capacity uint, fpr float64) *deduper {
	return &deduper{filter: bloom.NewWithEstimates(capacity, fpr)}
}

func (d *deduper) seen(code string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.filter.TestAndAddString(code) {
		d.duplicates++
		return true
	}
	d.unique++
	return false
}

// collect streams every file concurrently and sends new codes to out.
func (d *deduper) collect(ctx context.Context, lg *zap.Logger, files []string, out chan<- string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, path := range files {
		g.Go(func() error {
			var count uint64
			err := streamGzFile(ctx, path, func(line string) error {
				code, ok := normalize(line)
				if !ok || d.seen(code) {
					return nil
				}
				count++
				if count%progressEvery == 0 {
					lg.Info("Import progress", zap.String("file", path), zap.Uint64("codes", count))
				}
				select {
				case out <- code:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			if err != nil {
				return errors.Wrapf(err, "read %s", path)
			}
			lg.Info("File complete", zap.String("file", path), zap.Uint64("new_codes", count))
			return nil
		})
	}
	return g.Wait()
}

// normalize trims and upper-cases a code, matching the case-insensitive
// uniqueness of stored coupons.
func normalize(line string) (string, bool) {
	code := strings.ToUpper(strings.TrimSpace(line))
	if len(code) < minCodeLen || len(code) > maxCodeLen {
		return "", false
	}
	return code, true
}

// writeBatches drains codes into batches of size and returns the total
// reported by insert.
func writeBatches(
	ctx context.Context,
	codes <-chan string,
	size int,
	insert func(ctx context.Context, batch []string) (int64, error),
) (int64, error) {
	var (
		total int64
		batch = make([]string, 0, size)
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := insert(ctx, batch)
		total += n
		batch = batch[:0]
		return err
	}
	for code := range codes {
		batch = append(batch, code)
		if len(batch) == size {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return total, err
	}
	return total, flush()
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(line string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(scanner.Text()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
