// Package statedb 访问宿主应用的内嵌 KV 数据库 (VS Code 系的 state.vscdb)。
//
// 所有修改都限定在规则匹配到的行上，逐 key 执行，绝不做无范围的 UPDATE/DELETE。
// 每次打开都带超时，避免长期占用数据库影响宿主自己的访问。
package statedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"regexp"
	"time"

	"github.com/Hara602/idGuard/internal/analysis"
	"github.com/Hara602/idGuard/internal/config"
	"github.com/Hara602/idGuard/internal/guarderr"
	_ "modernc.org/sqlite"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Row 一行 KV
type Row struct {
	Key   string
	Value string
}

// Drift 不符合规则的行
type Drift struct {
	Row
	Action string
}

// DB 某个数据库文件 + 规则集
type DB struct {
	path      string
	table     string
	rules     []config.DBRule
	protected []string
	timeout   time.Duration
}

func New(path, table string, rules []config.DBRule, protected []string, timeout time.Duration) (*DB, error) {
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &DB{path: path, table: table, rules: rules, protected: protected, timeout: timeout}, nil
}

func (d *DB) Path() string { return d.path }

// open 只设置 busy_timeout，不改 journal_mode：数据库属于宿主
func (d *DB) open(readOnly bool) (*sql.DB, error) {
	ok, err := analysis.IsSQLite(d.path)
	if err != nil {
		return nil, classify(err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an sqlite database", guarderr.ErrNotFound, d.path)
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", d.timeout.Milliseconds()))
	if readOnly {
		q.Set("mode", "ro")
	}
	dsn := "file:" + filepath.ToSlash(d.path) + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Scan 只读打开，找出与目标不一致的行
func (d *DB) Scan(ctx context.Context, want func(key string) string) ([]Drift, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	db, err := d.open(true)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var drifts []Drift
	err = withRetry(ctx, func() error {
		drifts = drifts[:0]
		for _, rule := range d.rules {
			rows, err := d.query(ctx, db, rule.Pattern)
			if err != nil {
				return err
			}
			for _, r := range rows {
				if rule.Action == config.ActionPurge || r.Value != want(r.Key) {
					drifts = append(drifts, Drift{Row: r, Action: rule.Action})
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return drifts, nil
}

// Result 一次修复的结果
type Result struct {
	Restored  []string
	Purged    []string
	Rewritten []string // 被回写的受保护行
}

// Restore 读写打开，在一个事务里逐 key 修复，之后核对受保护行并原样回写
func (d *DB) Restore(ctx context.Context, want func(key string) string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	db, err := d.open(false)
	if err != nil {
		return Result{}, err
	}
	defer db.Close()

	var res Result
	err = runTx(ctx, db, func(tx *sql.Tx) error {
		res = Result{}
		snapshot := make(map[string]string)
		for _, p := range d.protected {
			rows, err := d.query(ctx, tx, p)
			if err != nil {
				return err
			}
			for _, r := range rows {
				snapshot[r.Key] = r.Value
			}
		}

		for _, rule := range d.rules {
			rows, err := d.query(ctx, tx, rule.Pattern)
			if err != nil {
				return err
			}
			for _, r := range rows {
				if _, ok := snapshot[r.Key]; ok {
					continue
				}
				switch rule.Action {
				case config.ActionUpdate:
					v := want(r.Key)
					if r.Value == v {
						continue
					}
					if _, err := tx.ExecContext(ctx,
						"UPDATE "+d.table+" SET value = ? WHERE key = ?", v, r.Key); err != nil {
						return fmt.Errorf("update %s: %w", r.Key, err)
					}
					res.Restored = append(res.Restored, r.Key)
				case config.ActionPurge:
					if _, err := tx.ExecContext(ctx,
						"DELETE FROM "+d.table+" WHERE key = ?", r.Key); err != nil {
						return fmt.Errorf("delete %s: %w", r.Key, err)
					}
					res.Purged = append(res.Purged, r.Key)
				}
			}
		}

		// 受保护行必须与修改前逐字节一致
		for key, val := range snapshot {
			var cur string
			err := tx.QueryRowContext(ctx, "SELECT value FROM "+d.table+" WHERE key = ?", key).Scan(&cur)
			if err == nil && cur == val {
				continue
			}
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("verify %s: %w", key, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT OR REPLACE INTO "+d.table+" (key, value) VALUES (?, ?)", key, val); err != nil {
				return fmt.Errorf("rewrite protected %s: %w", key, err)
			}
			res.Rewritten = append(res.Rewritten, key)
		}
		return nil
	})
	if err != nil {
		return Result{}, classify(err)
	}
	return res, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (d *DB) query(ctx context.Context, q querier, pattern string) ([]Row, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT key, value FROM "+d.table+` WHERE key LIKE ? ESCAPE '\'`, pattern)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", pattern, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var v sql.NullString
		if err := rows.Scan(&r.Key, &v); err != nil {
			return nil, err
		}
		r.Value = v.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, guarderr.ErrNotFound), errors.Is(err, guarderr.ErrTransientIO),
		errors.Is(err, guarderr.ErrPermissionDenied):
		return err
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", guarderr.ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", guarderr.ErrPermissionDenied, err)
	case guarderr.IsBusy(err), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", guarderr.ErrTransientIO, err)
	}
	return err
}
