// Package database implements the persistence gateway for trades and bot state.
package database

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"botfleet/bot"
	"botfleet/position"

	"github.com/davecgh/go-spew/spew"
	rqlitehttp "github.com/rqlite/rqlite-go-http"
	"github.com/rs/zerolog"
)

const (
	// SQL statements.
	createTradeTableSQL = "CREATE TABLE IF NOT EXISTS trade (id TEXT PRIMARY KEY, botid TEXT, symbol TEXT, side TEXT, quantity REAL, entryprice REAL, stoploss REAL, exitprice REAL, pnl REAL, openedon INTEGER, closedon INTEGER)"
	createBotStateSQL   = "CREATE TABLE IF NOT EXISTS botstate (botid TEXT PRIMARY KEY, status TEXT, haltreason TEXT, totalpnl REAL, peakequity REAL, drawdownpct REAL, updatedon INTEGER)"
	persistTradeSQL     = "INSERT INTO trade(id, botid, symbol, side, quantity, entryprice, stoploss, exitprice, pnl, openedon, closedon) VALUES(?,?,?,?,?,?,?,?,?,?,?)"
	persistBotStateSQL  = "INSERT INTO botstate(botid, status, haltreason, totalpnl, peakequity, drawdownpct, updatedon) VALUES(?,?,?,?,?,?,?) ON CONFLICT(botid) DO UPDATE SET status = excluded.status, haltreason = excluded.haltreason, totalpnl = excluded.totalpnl, peakequity = excluded.peakequity, drawdownpct = excluded.drawdownpct, updatedon = excluded.updatedon"
	findBotStateSQL     = "SELECT botid, status, haltreason, totalpnl, peakequity, drawdownpct, updatedon FROM botstate WHERE botid = ?"
)

// TradeStorer defines the requirements for storing closed trades.
type TradeStorer interface {
	// PersistClosedTrade stores the provided closed position to the database.
	PersistClosedTrade(ctx context.Context, pos *position.Position) error
}

// BotStateStorer defines the requirements for storing bot state snapshots.
type BotStateStorer interface {
	// PersistBotState upserts the provided bot state snapshot.
	PersistBotState(ctx context.Context, snapshot bot.Snapshot) error
	// LoadBotState fetches the stored state for the provided bot id.
	LoadBotState(ctx context.Context, botID string) (*BotState, error)
}

// BotState represents a stored bot state snapshot.
type BotState struct {
	BotID       string
	Status      string
	HaltReason  string
	TotalPNL    float64
	PeakEquity  float64
	DrawdownPct float64
	UpdatedOn   int64
}

// DatabaseConfig is the configuration for the database.
type DatabaseConfig struct {
	// Endpoint represents the database connection endpoint.
	Endpoint string
	// User is the database user.
	User string
	// Pass is the database user pass.
	Pass string
	// Logger is the database logger.
	Logger *zerolog.Logger
}

// Database represents the database connection.
type Database struct {
	cfg    *DatabaseConfig
	client *rqlitehttp.Client
}

// Ensure the database implements the storer interfaces.
var _ TradeStorer = (*Database)(nil)
var _ BotStateStorer = (*Database)(nil)

// NewDatabase initializes a new database connection.
func NewDatabase(ctx context.Context, cfg *DatabaseConfig) (*Database, error) {
	httpc := &http.Client{Timeout: time.Second * 5}
	client, err := rqlitehttp.NewClient(cfg.Endpoint, httpc)
	if err != nil {
		return nil, fmt.Errorf("creating database client: %w", err)
	}

	client.SetBasicAuth(cfg.User, cfg.Pass)

	db := &Database{
		cfg:    cfg,
		client: client,
	}

	err = db.bootstrap(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping database: %w", err)
	}

	return db, nil
}

// bootstrap initializes the database.
func (db *Database) bootstrap(ctx context.Context) error {
	_, err := db.client.Execute(ctx, rqlitehttp.SQLStatements{
		{SQL: createTradeTableSQL},
		{SQL: createBotStateSQL},
	}, &rqlitehttp.ExecuteOptions{
		Transaction: true,
		Timings:     true,
	})
	if err != nil {
		return err
	}

	return nil
}

// PersistClosedTrade stores the provided closed position to the database.
func (db *Database) PersistClosedTrade(ctx context.Context, pos *position.Position) error {
	if pos.Status != position.Closed {
		return fmt.Errorf("refusing to persist open position: %s", spew.Sdump(pos))
	}

	resp, err := db.client.Execute(ctx, rqlitehttp.SQLStatements{
		{
			SQL: persistTradeSQL,
			PositionalParams: []any{pos.ID, pos.BotID, pos.Symbol, pos.Side.String(),
				pos.Quantity, pos.EntryPrice, pos.StopLoss, pos.ExitPrice,
				pos.RealizedPNL, pos.OpenedOn.Unix(), pos.ClosedOn.Unix()},
		},
	}, &rqlitehttp.ExecuteOptions{Transaction: true, Timings: true})
	if err != nil {
		return err
	}

	has, idx, errStr := resp.HasError()
	if has {
		return fmt.Errorf("persisting trade %s: %d -> %s", pos.ID, idx, errStr)
	}

	return nil
}

// PersistBotState upserts the provided bot state snapshot.
func (db *Database) PersistBotState(ctx context.Context, snapshot bot.Snapshot) error {
	resp, err := db.client.Execute(ctx, rqlitehttp.SQLStatements{
		{
			SQL: persistBotStateSQL,
			PositionalParams: []any{snapshot.BotID, snapshot.Status.String(),
				snapshot.HaltReason, snapshot.TotalPNL, snapshot.PeakEquity,
				snapshot.DrawdownPct, time.Now().UTC().Unix()},
		},
	}, &rqlitehttp.ExecuteOptions{Transaction: true, Timings: true})
	if err != nil {
		return err
	}

	has, idx, errStr := resp.HasError()
	if has {
		return fmt.Errorf("persisting state for bot %s: %d -> %s", snapshot.BotID, idx, errStr)
	}

	return nil
}

// LoadBotState fetches the stored state for the provided bot id, returning
// nil when none exists.
func (db *Database) LoadBotState(ctx context.Context, botID string) (*BotState, error) {
	resp, err := db.client.QuerySingle(ctx, findBotStateSQL, botID)
	if err != nil {
		return nil, err
	}

	results := resp.GetQueryResultsAssoc()
	if len(results) == 0 || len(results[0].Rows) == 0 {
		return nil, nil
	}

	state, err := parseBotStateRow(results[0].Rows[0])
	if err != nil {
		db.cfg.Logger.Error().Msgf("unexpected bot state row shape: %s", spew.Sdump(results[0].Rows[0]))
		return nil, fmt.Errorf("loading state for bot %s: %w", botID, err)
	}

	return state, nil
}

// parseBotStateRow decodes an associative bot state query row.
func parseBotStateRow(row map[string]any) (*BotState, error) {
	state := &BotState{
		BotID:       asString(row["botid"]),
		Status:      asString(row["status"]),
		HaltReason:  asString(row["haltreason"]),
		TotalPNL:    asFloat(row["totalpnl"]),
		PeakEquity:  asFloat(row["peakequity"]),
		DrawdownPct: asFloat(row["drawdownpct"]),
		UpdatedOn:   int64(asFloat(row["updatedon"])),
	}

	if state.BotID == "" {
		return nil, fmt.Errorf("malformed bot state row")
	}

	return state, nil
}

// asString converts a query result value to a string.
func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asFloat converts a query result value to a float64.
func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}
