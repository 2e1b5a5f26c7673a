package traverse

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"drawsnerd/internal/driver"
)

// maxTableRestarts bounds how often a table that re-rendered mid-read is read again.
const maxTableRestarts = 2

type tableExtractor struct {
	d      driver.Driver
	opts   Options
	logger *zap.Logger
}

// extract reads every visible table under scope into a cell matrix. No table
// within the timeout is an empty matrix, not an error.
func (x *tableExtractor) extract(ctx context.Context, scope driver.Handle) ([][]string, error) {
	var lastErr error
	for restart := 0; restart <= maxTableRestarts; restart++ {
		tables, err := x.await(ctx, scope)
		if err != nil {
			return nil, err
		}
		if len(tables) == 0 {
			return [][]string{}, nil
		}

		rows, err := x.read(ctx, tables)
		if err == nil {
			return rows, nil
		}
		if !driver.IsRecoverable(err) {
			return nil, err
		}
		lastErr = err
		x.logger.Debug("table changed while reading, restarting", zap.Int("restart", restart+1), zap.Error(err))
	}
	return nil, fmt.Errorf("table kept changing: %w", lastErr)
}

func (x *tableExtractor) await(ctx context.Context, scope driver.Handle) ([]driver.Handle, error) {
	sel := driver.Selector{CSS: x.opts.Selectors.Table, Visible: true}

	tables, err := x.d.WaitUntil(ctx, x.opts.TableTimeout, driver.AnyMatch(x.d, sel, scope))
	if err == nil {
		return tables, nil
	}
	if !errors.Is(err, driver.ErrTimeout) {
		return nil, err
	}

	if x.opts.TableDocumentFallback && scope != nil {
		tables, err = x.d.FindAll(ctx, sel, nil)
		if err != nil {
			if !driver.IsRecoverable(err) {
				return nil, err
			}
			return nil, nil
		}
		if len(tables) > 0 {
			x.logger.Info("no table inside leaf, using document-wide match", zap.Int("tables", len(tables)))
		}
		return tables, nil
	}

	x.logger.Debug("no table rendered", zap.Duration("timeout", x.opts.TableTimeout))
	return nil, nil
}

// read keeps row order and drops rows without a single non-empty cell.
func (x *tableExtractor) read(ctx context.Context, tables []driver.Handle) ([][]string, error) {
	rows := make([][]string, 0)
	for _, table := range tables {
		trs, err := x.d.FindAll(ctx, driver.Selector{CSS: x.opts.Selectors.Row}, table)
		if err != nil {
			return nil, err
		}
		for _, tr := range trs {
			tds, err := x.d.FindAll(ctx, driver.Selector{CSS: x.opts.Selectors.Cell}, tr)
			if err != nil {
				return nil, err
			}
			cells := make([]string, 0, len(tds))
			filled := false
			for _, td := range tds {
				text, err := x.d.ReadText(ctx, td)
				if err != nil {
					return nil, err
				}
				text = strings.TrimSpace(text)
				if text != "" {
					filled = true
				}
				cells = append(cells, text)
			}
			if filled {
				rows = append(rows, cells)
			}
		}
	}
	return rows, nil
}
