// Package loader performs the actual load-and-import step of an autoload
// resolution: at most one physical load per file, a cheap single-symbol
// import when the definition already exists, and verification that the
// load provided what the declaration promised.
package loader

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mangleload/internal/modules"
	"mangleload/internal/registry"
	"mangleload/internal/resolve"
	"mangleload/internal/symbol"
)

var (
	// ErrLoadInconsistency means a load completed but the symbol is
	// still undefined: the library failed to provide what it promised.
	ErrLoadInconsistency = errors.New("load completed but symbol is still undefined")

	// ErrTooDeep bounds re-entrant autoloads triggered while already
	// inside an autoload.
	ErrTooDeep = errors.New("autoload nesting too deep")
)

// MaxDepth is the re-entrant autoload nesting bound.
const MaxDepth = 100

type depthKey struct{}

// Depth returns how many autoloads are in flight on this call path.
// Zero means the caller is not inside an autoload.
func Depth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

func withDepth(ctx context.Context, d int) context.Context {
	return context.WithValue(ctx, depthKey{}, d)
}

// Coordinator drives loads for resolved symbols.
type Coordinator struct {
	logger   *zap.Logger
	table    *modules.Table
	registry *registry.Registry
	sf       singleflight.Group
}

// NewCoordinator creates a Coordinator. logger may be nil.
func NewCoordinator(logger *zap.Logger, table *modules.Table, reg *registry.Registry) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{logger: logger, table: table, registry: reg}
}

// LoadAndImport loads res.File as needed and makes sym callable from
// callerModule. On success the symbol's pending marker is cleared: the
// pending→defined transition is complete and later traps short-circuit.
func (c *Coordinator) LoadAndImport(ctx context.Context, callerModule string, sym symbol.Symbol, res *resolve.Resolution) error {
	depth := Depth(ctx) + 1
	if depth > MaxDepth {
		return fmt.Errorf("%w: %d levels while loading %s", ErrTooDeep, depth, res.File)
	}
	ctx = withDepth(ctx, depth)

	canon := modules.CanonicalPath(res.File)
	if res.LoadModule == callerModule {
		// Self-resolution: the caller's own library file defines the
		// symbol directly, a full ensure-loaded is all that is needed.
		if err := c.ensureLoaded(ctx, canon); err != nil {
			return err
		}
	} else {
		// Cheap path: the target module already defines the symbol and
		// nobody is mid-load on the file, so importing the one symbol
		// avoids touching unrelated exports.
		if !c.table.Defined(res.LoadModule, sym) || c.table.Loading(canon) {
			if err := c.ensureLoaded(ctx, canon); err != nil {
				return err
			}
		}
		if err := c.table.ImportSymbol(callerModule, res.LoadModule, sym, canon); err != nil {
			return fmt.Errorf("import %s from %s into %s: %w", sym, res.LoadModule, callerModule, err)
		}
	}

	if !c.table.Visible(callerModule, sym) {
		return fmt.Errorf("%w: %s:%s after loading %s",
			ErrLoadInconsistency, callerModule, sym, res.File)
	}

	c.registry.ClearPending(callerModule, sym)
	c.logger.Debug("autoloaded",
		zap.String("module", callerModule),
		zap.String("symbol", sym.String()),
		zap.String("file", canon),
		zap.String("strategy", res.Strategy.String()),
		zap.Int("depth", depth))
	return nil
}

// ensureLoaded collapses concurrent loads of the same file into one
// underlying EnsureLoaded call.
func (c *Coordinator) ensureLoaded(ctx context.Context, canon string) error {
	_, err, _ := c.sf.Do(canon, func() (interface{}, error) {
		return nil, c.table.EnsureLoaded(ctx, canon)
	})
	return err
}
