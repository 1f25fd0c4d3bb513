package app

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
	"github.com/farmchainx/farmchainx-core/repository"
)

// Application implements the ABCI interface for the trace anchoring chain.
// Each consensus transaction is a repository.TraceAnchor: a digest over a
// group of trace events written in one store transaction.
type Application struct {
	badgerDB     *badger.DB
	onGoingBlock *badger.Txn
	nodeID       string
	mu           sync.Mutex
	config       *AppConfig
	logger       cmtlog.Logger
}

// AppConfig contains configuration for the anchoring application.
type AppConfig struct {
	NodeID    string
	LogAllTxs bool
}

// NewABCIApplication creates the anchoring ABCI application.
func NewABCIApplication(badgerDB *badger.DB, config *AppConfig, logger cmtlog.Logger) *Application {
	return &Application{
		badgerDB: badgerDB,
		config:   config,
		logger:   logger,
	}
}

func (app *Application) SetNodeID(id string) {
	app.nodeID = id
}

// Info implements the ABCI Info method.
func (app *Application) Info(_ context.Context, info *abcitypes.InfoRequest) (*abcitypes.InfoResponse, error) {
	lastBlockHeight := int64(0)
	var lastBlockAppHash []byte

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("last_block_height"))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		err = item.Value(func(val []byte) error {
			lastBlockHeight = bytesToInt64(val)
			return nil
		})
		if err != nil {
			return err
		}

		item, err = txn.Get([]byte("last_block_app_hash"))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err == nil {
			err = item.Value(func(val []byte) error {
				lastBlockAppHash = append([]byte(nil), val...)
				return nil
			})
			if err != nil {
				return err
			}
		}

		return nil
	})

	if err != nil {
		log.Printf("Error getting last block info: %v", err)
	}

	return &abcitypes.InfoResponse{
		LastBlockHeight:  lastBlockHeight,
		LastBlockAppHash: lastBlockAppHash,
	}, nil
}

// Query implements the ABCI Query method. Supported forms:
// "anchor:<digest>" looks up an anchor by digest, "event:<eventId>" resolves
// the anchor that covers a trace event, anything else is a raw key lookup.
func (app *Application) Query(_ context.Context, req *abcitypes.QueryRequest) (*abcitypes.QueryResponse, error) {
	if len(req.Data) == 0 {
		return &abcitypes.QueryResponse{
			Code: 1,
			Log:  "Empty query data",
		}, nil
	}

	key := req.Data
	resp := abcitypes.QueryResponse{Key: key}

	dbErr := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			resp.Log = "key doesn't exist"
			resp.Code = 1
			return nil
		}

		return item.Value(func(val []byte) error {
			resp.Log = "exists"
			resp.Value = append([]byte(nil), val...)
			return nil
		})
	})

	if dbErr != nil {
		log.Printf("Error reading database: %v", dbErr)
		return &abcitypes.QueryResponse{
			Code: 2,
			Log:  fmt.Sprintf("Database error: %v", dbErr),
		}, nil
	}

	return &resp, nil
}

// CheckTx implements the ABCI CheckTx method.
func (app *Application) CheckTx(_ context.Context, check *abcitypes.CheckTxRequest) (*abcitypes.CheckTxResponse, error) {
	var anchor repository.TraceAnchor
	if err := json.Unmarshal(check.Tx, &anchor); err != nil {
		return &abcitypes.CheckTxResponse{Code: 1},
			fmt.Errorf("malformed trace anchor transaction: %s", err.Error())
	}

	if anchor.BatchID == "" || len(anchor.EventIDs) == 0 || anchor.Digest == "" {
		return &abcitypes.CheckTxResponse{Code: 1},
			fmt.Errorf("missing required fields in trace anchor")
	}

	return &abcitypes.CheckTxResponse{Code: 0}, nil
}

// InitChain implements the ABCI InitChain method.
func (app *Application) InitChain(_ context.Context, chain *abcitypes.InitChainRequest) (*abcitypes.InitChainResponse, error) {
	return &abcitypes.InitChainResponse{}, nil
}

// PrepareProposal implements the ABCI PrepareProposal method.
func (app *Application) PrepareProposal(_ context.Context, proposal *abcitypes.PrepareProposalRequest) (*abcitypes.PrepareProposalResponse, error) {
	return &abcitypes.PrepareProposalResponse{Txs: proposal.Txs}, nil
}

// ProcessProposal implements the ABCI ProcessProposal method.
func (app *Application) ProcessProposal(_ context.Context, proposal *abcitypes.ProcessProposalRequest) (*abcitypes.ProcessProposalResponse, error) {
	for i, txBytes := range proposal.Txs {
		var anchor repository.TraceAnchor
		if err := json.Unmarshal(txBytes, &anchor); err != nil {
			app.logger.Error("Invalid transaction format", "index", i, "error", err)
			return &abcitypes.ProcessProposalResponse{
				Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT,
			}, fmt.Errorf("invalid transaction at index %d: %v", i, err)
		}

		if anchor.BatchID == "" || anchor.Digest == "" {
			app.logger.Error("Invalid trace anchor", "index", i, "batch_id", anchor.BatchID)
			return &abcitypes.ProcessProposalResponse{
				Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT,
			}, fmt.Errorf("invalid trace anchor at index %d", i)
		}
	}

	return &abcitypes.ProcessProposalResponse{
		Status: abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT,
	}, nil
}

// FinalizeBlock implements the ABCI FinalizeBlock method.
func (app *Application) FinalizeBlock(_ context.Context, req *abcitypes.FinalizeBlockRequest) (*abcitypes.FinalizeBlockResponse, error) {
	var txResults = make([]*abcitypes.ExecTxResult, len(req.Txs))

	app.mu.Lock()
	defer app.mu.Unlock()

	app.onGoingBlock = app.badgerDB.NewTransaction(true)

	for i, txBytes := range req.Txs {
		var anchor repository.TraceAnchor
		if err := json.Unmarshal(txBytes, &anchor); err != nil {
			txResults[i] = &abcitypes.ExecTxResult{
				Code: 1,
				Log:  "Invalid trace anchor format",
			}
			continue
		}

		txResults[i] = app.storeAnchor(&anchor, txBytes)
		if app.config.LogAllTxs {
			app.logger.Info("Anchored trace events",
				"batch_id", anchor.BatchID, "events", len(anchor.EventIDs), "digest", anchor.Digest)
		}
	}

	blockHeight := req.Height
	appHash := calculateAppHash(txResults)

	if err := app.onGoingBlock.Set([]byte("last_block_height"), int64ToBytes(blockHeight)); err != nil {
		log.Printf("Error storing block height: %v", err)
	}
	if err := app.onGoingBlock.Set([]byte("last_block_app_hash"), appHash); err != nil {
		log.Printf("Error storing app hash: %v", err)
	}

	return &abcitypes.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   appHash,
	}, nil
}

// storeAnchor writes the anchor under its digest and indexes every covered
// event id back to it.
func (app *Application) storeAnchor(anchor *repository.TraceAnchor, rawTx []byte) *abcitypes.ExecTxResult {
	anchorKey := append([]byte("anchor:"), []byte(anchor.Digest)...)
	if err := app.onGoingBlock.Set(anchorKey, rawTx); err != nil {
		log.Printf("Error storing anchor: %v", err)
		return &abcitypes.ExecTxResult{
			Code: 3,
			Log:  fmt.Sprintf("Database error: %v", err),
		}
	}

	for _, eventID := range anchor.EventIDs {
		eventKey := append([]byte("event:"), []byte(eventID)...)
		if err := app.onGoingBlock.Set(eventKey, []byte(anchor.Digest)); err != nil {
			log.Printf("Error indexing event %s: %v", eventID, err)
		}
	}

	events := []abcitypes.Event{
		{
			Type: "trace_anchor",
			Attributes: []abcitypes.EventAttribute{
				{Key: "batch_id", Value: anchor.BatchID, Index: true},
				{Key: "digest", Value: anchor.Digest, Index: true},
				{Key: "event_count", Value: fmt.Sprintf("%d", len(anchor.EventIDs)), Index: false},
			},
		},
	}

	return &abcitypes.ExecTxResult{
		Code:   0,
		Data:   []byte(anchor.Digest),
		Log:    "anchored",
		Events: events,
	}
}

// Commit implements the ABCI Commit method.
func (app *Application) Commit(_ context.Context, commit *abcitypes.CommitRequest) (*abcitypes.CommitResponse, error) {
	if err := app.onGoingBlock.Commit(); err != nil {
		log.Printf("Error committing block: %v", err)
	}
	return &abcitypes.CommitResponse{}, nil
}

// Placeholder implementations for other ABCI methods
func (app *Application) ListSnapshots(_ context.Context, snapshots *abcitypes.ListSnapshotsRequest) (*abcitypes.ListSnapshotsResponse, error) {
	return &abcitypes.ListSnapshotsResponse{}, nil
}

func (app *Application) OfferSnapshot(_ context.Context, snapshot *abcitypes.OfferSnapshotRequest) (*abcitypes.OfferSnapshotResponse, error) {
	return &abcitypes.OfferSnapshotResponse{}, nil
}

func (app *Application) LoadSnapshotChunk(_ context.Context, chunk *abcitypes.LoadSnapshotChunkRequest) (*abcitypes.LoadSnapshotChunkResponse, error) {
	return &abcitypes.LoadSnapshotChunkResponse{}, nil
}

func (app *Application) ApplySnapshotChunk(_ context.Context, chunk *abcitypes.ApplySnapshotChunkRequest) (*abcitypes.ApplySnapshotChunkResponse, error) {
	return &abcitypes.ApplySnapshotChunkResponse{
		Result: abcitypes.APPLY_SNAPSHOT_CHUNK_RESULT_ACCEPT,
	}, nil
}

func (app *Application) ExtendVote(_ context.Context, extend *abcitypes.ExtendVoteRequest) (*abcitypes.ExtendVoteResponse, error) {
	return &abcitypes.ExtendVoteResponse{}, nil
}

func (app *Application) VerifyVoteExtension(_ context.Context, verify *abcitypes.VerifyVoteExtensionRequest) (*abcitypes.VerifyVoteExtensionResponse, error) {
	return &abcitypes.VerifyVoteExtensionResponse{}, nil
}

// Helper functions

// calculateAppHash calculates the application hash for the current block.
func calculateAppHash(txResults []*abcitypes.ExecTxResult) []byte {
	allData := make([]byte, 0)
	for _, result := range txResults {
		allData = append(allData, result.Data...)
	}
	hash := sha256.Sum256(allData)
	return hash[:]
}

// int64ToBytes converts an int64 to bytes.
func int64ToBytes(i int64) []byte {
	buf := make([]byte, 8)
	buf[0] = byte(i >> 56)
	buf[1] = byte(i >> 48)
	buf[2] = byte(i >> 40)
	buf[3] = byte(i >> 32)
	buf[4] = byte(i >> 24)
	buf[5] = byte(i >> 16)
	buf[6] = byte(i >> 8)
	buf[7] = byte(i)
	return buf
}

// bytesToInt64 converts bytes to an int64.
func bytesToInt64(buf []byte) int64 {
	if len(buf) < 8 {
		return 0
	}
	return int64(buf[0])<<56 |
		int64(buf[1])<<48 |
		int64(buf[2])<<40 |
		int64(buf[3])<<32 |
		int64(buf[4])<<24 |
		int64(buf[5])<<16 |
		int64(buf[6])<<8 |
		int64(buf[7])
}
