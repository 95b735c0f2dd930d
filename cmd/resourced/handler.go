package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/loomkit/loomkit/pkg/entitystore"
	"github.com/loomkit/loomkit/pkg/pipeline"
	"github.com/loomkit/loomkit/pkg/query"
	"github.com/loomkit/loomkit/pkg/resourceaccess"
	"github.com/loomkit/loomkit/pkg/typeindex"
	"github.com/loomkit/loomkit/pkg/types"
)

// resourceHandler dispatches ResourceAccess command frames against this
// instance's pipeline and store, implementing resourceaccess.Handler.
type resourceHandler struct {
	store    *entitystore.Store
	pipeline *pipeline.Pipeline
	registry *typeindex.Registry
}

func (h *resourceHandler) HandleCommand(ctx context.Context, command resourceaccess.CommandID, payload []byte) (bool, []byte, error) {
	switch command {
	case resourceaccess.CommandCreateEntity, resourceaccess.CommandModifyEntity, resourceaccess.CommandDeleteEntity:
		return h.handleMutation(ctx, payload)
	case resourceaccess.CommandSynchronize:
		return h.handleSynchronize(ctx, payload)
	default:
		return false, nil, fmt.Errorf("resourced: unsupported command %s", command.String())
	}
}

func (h *resourceHandler) handleMutation(ctx context.Context, payload []byte) (bool, []byte, error) {
	cmd, err := types.DecodeCommand(payload)
	if err != nil {
		return false, nil, fmt.Errorf("decode command: %w", err)
	}
	revision, err := h.pipeline.Apply(ctx, cmd)
	if err != nil {
		return false, nil, err
	}
	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, revision)
	return true, body, nil
}

// wireQuery and wireResultSet mirror query.Query/types.Entity over JSON,
// which already round-trips the Filter/PropertyBag custom marshaling.
type wireQuery struct {
	Query query.Query `json:"query"`
}

type wireResultSet struct {
	Entities [][]byte `json:"entities"`
}

func (h *resourceHandler) handleSynchronize(ctx context.Context, payload []byte) (bool, []byte, error) {
	var req wireQuery
	if err := json.Unmarshal(payload, &req); err != nil {
		return false, nil, fmt.Errorf("decode query: %w", err)
	}

	plan, err := query.Compile(req.Query, h.registry)
	if err != nil {
		return false, nil, fmt.Errorf("compile query: %w", err)
	}

	var entities []*types.Entity
	err = h.store.View(func(tx entitystore.Tx) error {
		var err error
		entities, err = plan.Execute(tx)
		return err
	})
	if err != nil {
		return false, nil, fmt.Errorf("execute query: %w", err)
	}

	resp := wireResultSet{Entities: make([][]byte, 0, len(entities))}
	for _, e := range entities {
		encoded, err := types.EncodeEntity(e)
		if err != nil {
			return false, nil, fmt.Errorf("encode entity: %w", err)
		}
		resp.Entities = append(resp.Entities, encoded)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return false, nil, fmt.Errorf("encode result set: %w", err)
	}
	return true, body, nil
}
