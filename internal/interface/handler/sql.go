package handler

import (
	"context"
	"database/sql"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"connector/internal/domain"
	"connector/internal/usecase"

	"github.com/pkg/errors"
)

// DefaultMaxSQLRequestSize はSQLリクエスト本文の上限.
const DefaultMaxSQLRequestSize = 1 << 20

// SQLHandler はXMLで記述されたSQL文をConnectionSource経由で実行する.
// POSTのみ受け付け, 最後の文の結果を行セットとして返す.
type SQLHandler struct {
	source     domain.ConnectionSource
	defaultURI string
	maxSize    int64
	logger     domain.Logger
}

// NewSQLHandler は新しいSQLHandlerインスタンスを作成.
// defaultURIはリクエストに<uri>が無い場合に使う.
func NewSQLHandler(source domain.ConnectionSource, defaultURI string, logger domain.Logger) *SQLHandler {
	return &SQLHandler{
		source:     source,
		defaultURI: defaultURI,
		maxSize:    DefaultMaxSQLRequestSize,
		logger:     logger,
	}
}

// Methods はDispatcherに登録するメソッド表.
func (h *SQLHandler) Methods() usecase.Methods {
	return usecase.Methods{"POST": h.Handle}
}

type sqlProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type sqlRequest struct {
	XMLName xml.Name `xml:"request"`
	Header  struct {
		Connection struct {
			URI        string        `xml:"uri"`
			UsePooling string        `xml:"usePooling"`
			Properties []sqlProperty `xml:"property"`
		} `xml:"connection"`
		ReturnGeneratedKeys string `xml:"returnGeneratedKeys"`
		Start               string `xml:"start"`
		Limit               string `xml:"limit"`
	} `xml:"header"`
	Body struct {
		Statements []string `xml:"statement"`
	} `xml:"body"`
}

type sqlValue struct {
	Null bool   `xml:"null,attr,omitempty"`
	Text string `xml:",chardata"`
}

type sqlRow struct {
	Values []sqlValue `xml:"columnValue"`
}

type sqlRowSet struct {
	Columns []string `xml:"metadata>column"`
	Rows    []sqlRow `xml:"data>currentRow"`
}

type sqlResult struct {
	XMLName       xml.Name   `xml:"result"`
	UpdateCount   *int64     `xml:"updateCount,omitempty"`
	GeneratedKeys []int64    `xml:"generatedKeys>key,omitempty"`
	RowSet        *sqlRowSet `xml:"rowSet,omitempty"`
}

// sqlExecutor はdatabase/sqlの接続. connection.SQLConnが実装する.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

type sqlPlan struct {
	uri        string
	usePooling bool
	properties map[string]string
	returnKeys bool
	start      int
	limit      int
	statements []string
}

// Handle はPOSTされたSQLリクエストを実行する.
func (h *SQLHandler) Handle(ctx context.Context, call domain.ServerCall) error {
	plan, err := h.parse(call)
	if err != nil {
		return err
	}

	fields := map[string]interface{}{
		"call_id":    call.ID(),
		"uri":        plan.uri,
		"statements": len(plan.statements),
	}

	conn, err := h.source.GetConnection(ctx, plan.uri, plan.properties, plan.usePooling)
	if err != nil {
		h.logger.Error("SQL connection unavailable", err, fields)
		return respondText(call, domain.StatusServiceUnavailable, err.Error())
	}
	defer conn.Close()

	exec, ok := conn.(sqlExecutor)
	if !ok {
		return domain.NewProtocolError(400, "%s is not a sql connection", plan.uri)
	}

	result, err := execute(ctx, exec, plan)
	if err != nil {
		h.logger.Warn("Error while processing the SQL request", map[string]interface{}{
			"call_id": call.ID(),
			"uri":     plan.uri,
			"error":   err.Error(),
		})
		return respondText(call, domain.StatusInternalServerError, err.Error())
	}

	data, err := xml.MarshalIndent(result, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding row set")
	}
	body := append([]byte(xml.Header), data...)
	return respond(call, domain.StatusOK, "application/xml; charset=utf-8", append(body, '\n'))
}

func (h *SQLHandler) parse(call domain.ServerCall) (*sqlPlan, error) {
	body, err := call.RequestBody()
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var req sqlRequest
	decoder := xml.NewDecoder(io.LimitReader(body, h.maxSize))
	if err := decoder.Decode(&req); err != nil {
		return nil, domain.NewProtocolError(400, "error while parsing the XML document: %v", err)
	}

	conn := req.Header.Connection
	plan := &sqlPlan{
		uri:        strings.TrimSpace(conn.URI),
		usePooling: strings.TrimSpace(conn.UsePooling) == "true",
		properties: make(map[string]string, len(conn.Properties)),
		returnKeys: strings.TrimSpace(req.Header.ReturnGeneratedKeys) == "true",
		limit:      -1,
	}
	if plan.uri == "" {
		plan.uri = h.defaultURI
	}
	if plan.uri == "" {
		return nil, domain.NewProtocolError(400, "no connection uri given")
	}

	for _, p := range conn.Properties {
		if p.Name == "" {
			return nil, domain.NewProtocolError(400, "connection property without a name")
		}
		plan.properties[p.Name] = p.Value
	}

	if s := strings.TrimSpace(req.Header.Start); s != "" {
		if plan.start, err = strconv.Atoi(s); err != nil || plan.start < 0 {
			return nil, domain.NewProtocolError(400, "invalid start %q", s)
		}
	}
	if s := strings.TrimSpace(req.Header.Limit); s != "" {
		if plan.limit, err = strconv.Atoi(s); err != nil {
			return nil, domain.NewProtocolError(400, "invalid limit %q", s)
		}
	}

	for _, stmt := range req.Body.Statements {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			plan.statements = append(plan.statements, stmt)
		}
	}
	if len(plan.statements) == 0 {
		return nil, domain.NewProtocolError(400, "no sql statement given")
	}
	return plan, nil
}

// execute は文を順に実行し, 最後の文の結果を返す.
func execute(ctx context.Context, exec sqlExecutor, plan *sqlPlan) (*sqlResult, error) {
	var result *sqlResult
	for _, stmt := range plan.statements {
		var err error
		if isQuery(stmt) {
			result, err = query(ctx, exec, stmt, plan.start, plan.limit)
		} else {
			result, err = update(ctx, exec, stmt, plan.returnKeys)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "executing %q", stmt)
		}
	}
	return result, nil
}

var queryKeywords = map[string]bool{
	"SELECT": true, "WITH": true, "SHOW": true, "VALUES": true,
	"EXPLAIN": true, "DESCRIBE": true, "PRAGMA": true,
}

func isQuery(stmt string) bool {
	word := strings.Fields(stmt)[0]
	if i := strings.IndexAny(word, "(;"); i >= 0 {
		word = word[:i]
	}
	return queryKeywords[strings.ToUpper(word)]
}

func update(ctx context.Context, exec sqlExecutor, stmt string, returnKeys bool) (*sqlResult, error) {
	res, err := exec.ExecContext(ctx, stmt)
	if err != nil {
		return nil, err
	}

	result := &sqlResult{}
	if n, err := res.RowsAffected(); err == nil {
		result.UpdateCount = &n
	}
	if returnKeys {
		if id, err := res.LastInsertId(); err == nil {
			result.GeneratedKeys = []int64{id}
		}
	}
	return result, nil
}

func query(ctx context.Context, exec sqlExecutor, stmt string, start, limit int) (*sqlResult, error) {
	rows, err := exec.QueryContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	set := &sqlRowSet{Columns: columns, Rows: []sqlRow{}}
	values := make([]interface{}, len(columns))
	dest := make([]interface{}, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	for index := 0; rows.Next(); index++ {
		if index < start || (limit >= 0 && len(set.Rows) >= limit) {
			continue
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := sqlRow{Values: make([]sqlValue, len(values))}
		for i, v := range values {
			row.Values[i] = formatValue(v)
		}
		set.Rows = append(set.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sqlResult{RowSet: set}, nil
}

func formatValue(v interface{}) sqlValue {
	switch x := v.(type) {
	case nil:
		return sqlValue{Null: true}
	case []byte:
		return sqlValue{Text: string(x)}
	case time.Time:
		return sqlValue{Text: x.Format(time.RFC3339Nano)}
	default:
		return sqlValue{Text: fmt.Sprint(x)}
	}
}
