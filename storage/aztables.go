// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/pkg/errors"
)

// TableStore is the Azure Table storage backend. Scalar fields are stored as
// native columns; nested objects and arrays are stored as JSON strings, the
// convention the rest of the service (and the agent) relies on.
type TableStore struct {
	service *aztables.ServiceClient
}

// NewTableStore wraps an aztables service client.
func NewTableStore(service *aztables.ServiceClient) *TableStore {
	return &TableStore{service: service}
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

func mapTableError(err error) error {
	switch {
	case err == nil:
		return nil
	case isStatus(err, http.StatusNotFound):
		return ErrNotFound
	case isStatus(err, http.StatusConflict):
		return ErrAlreadyExists
	case isStatus(err, http.StatusPreconditionFailed):
		return ErrConflict
	default:
		return err
	}
}

func marshalEntity(row *Row) ([]byte, error) {
	entity := map[string]interface{}{
		"PartitionKey": row.PartitionKey,
		"RowKey":       row.RowKey,
	}
	for k, v := range row.Fields {
		switch v.(type) {
		case nil:
			// omit: table storage has no null column
		case string, bool, float64, int, int32, int64:
			entity[k] = v
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to flatten field %q", k)
			}
			entity[k] = string(data)
		}
	}
	return json.Marshal(entity)
}

func unmarshalEntity(data []byte) (*Row, error) {
	raw := map[string]interface{}{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal table entity")
	}
	row := &Row{Fields: map[string]interface{}{}}
	for k, v := range raw {
		switch k {
		case "PartitionKey":
			row.PartitionKey, _ = v.(string)
		case "RowKey":
			row.RowKey, _ = v.(string)
		case "Timestamp":
			if s, ok := v.(string); ok {
				row.Timestamp, _ = time.Parse(time.RFC3339Nano, s)
			}
		case "odata.etag", "odata.metadata":
			// handled from the response, not the payload
		default:
			if strings.HasSuffix(k, "@odata.type") {
				continue
			}
			row.Fields[k] = inflate(v)
		}
	}
	return row, nil
}

// inflate reverses the JSON-string flattening for nested values. A string
// column that parses as a JSON object or array was flattened on write.
func inflate(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return v
	}
	var nested interface{}
	if err := json.Unmarshal([]byte(trimmed), &nested); err != nil {
		return v
	}
	return nested
}

func compileFilter(q Query) string {
	var clauses []string
	quote := func(v string) string {
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
	for field, values := range q.Eq {
		var alts []string
		for _, v := range values {
			alts = append(alts, fmt.Sprintf("%s eq %s", field, quote(v)))
		}
		clauses = append(clauses, "("+strings.Join(alts, " or ")+")")
	}
	for field, t := range q.Before {
		if field == "Timestamp" {
			clauses = append(clauses, fmt.Sprintf("Timestamp lt datetime'%s'", t.UTC().Format(time.RFC3339)))
			continue
		}
		// RFC3339 strings order chronologically under string comparison
		clauses = append(clauses, fmt.Sprintf("%s lt %s", field, quote(t.UTC().Format(time.RFC3339Nano))))
	}
	for field, t := range q.After {
		if field == "Timestamp" {
			clauses = append(clauses, fmt.Sprintf("Timestamp gt datetime'%s'", t.UTC().Format(time.RFC3339)))
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s gt %s", field, quote(t.UTC().Format(time.RFC3339Nano))))
	}
	return strings.Join(clauses, " and ")
}

// CreateTable implements Client.
func (s *TableStore) CreateTable(ctx context.Context, table string) error {
	_, err := s.service.CreateTable(ctx, table, nil)
	if isStatus(err, http.StatusConflict) {
		return nil
	}
	return errors.Wrapf(err, "failed to create table %s", table)
}

// Get implements Client.
func (s *TableStore) Get(ctx context.Context, table, partitionKey, rowKey string) (*Row, error) {
	client := s.service.NewClient(table)
	resp, err := client.GetEntity(ctx, partitionKey, rowKey, nil)
	if err != nil {
		return nil, mapTableError(err)
	}
	row, err := unmarshalEntity(resp.Value)
	if err != nil {
		return nil, err
	}
	row.ETag = string(resp.ETag)
	return row, nil
}

// Search implements Client.
func (s *TableStore) Search(ctx context.Context, table string, q Query, limit int) ([]*Row, error) {
	client := s.service.NewClient(table)
	options := &aztables.ListEntitiesOptions{}
	if filter := compileFilter(q); filter != "" {
		options.Filter = to.Ptr(filter)
	}
	if limit > 0 && limit <= 1000 {
		options.Top = to.Ptr(int32(limit))
	}
	var out []*Row
	pager := client.NewListEntitiesPager(options)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapTableError(err)
		}
		for _, data := range page.Entities {
			row, err := unmarshalEntity(data)
			if err != nil {
				return nil, err
			}
			out = append(out, row)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Insert implements Client.
func (s *TableStore) Insert(ctx context.Context, table string, row *Row) (string, error) {
	client := s.service.NewClient(table)
	data, err := marshalEntity(row)
	if err != nil {
		return "", err
	}
	resp, err := client.AddEntity(ctx, data, nil)
	if err != nil {
		return "", mapTableError(err)
	}
	return string(resp.ETag), nil
}

// Update implements Client.
func (s *TableStore) Update(ctx context.Context, table string, row *Row, etag string) (string, error) {
	client := s.service.NewClient(table)
	data, err := marshalEntity(row)
	if err != nil {
		return "", err
	}
	options := &aztables.UpdateEntityOptions{UpdateMode: aztables.UpdateModeReplace}
	if etag != "" {
		options.IfMatch = to.Ptr(azcore.ETag(etag))
		resp, err := client.UpdateEntity(ctx, data, options)
		if err != nil {
			return "", mapTableError(err)
		}
		return string(resp.ETag), nil
	}
	resp, err := client.UpsertEntity(ctx, data, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	if err != nil {
		return "", mapTableError(err)
	}
	return string(resp.ETag), nil
}

// Delete implements Client.
func (s *TableStore) Delete(ctx context.Context, table, partitionKey, rowKey string) error {
	client := s.service.NewClient(table)
	_, err := client.DeleteEntity(ctx, partitionKey, rowKey, nil)
	return mapTableError(err)
}
