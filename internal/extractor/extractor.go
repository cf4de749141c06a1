// Package extractor 通过 XMLA 读取单个语义模型的结构元数据，生成带版本的目录文档
package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rbutinar/power-bi-catalog/internal/model"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/credential"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/retry"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/scanerr"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/xmla"
)

// 每个 facet 一条 DMV 语句
var facetQueries = map[string]string{
	model.FacetTables:        "SELECT * FROM $SYSTEM.TMSCHEMA_TABLES",
	model.FacetColumns:       "SELECT * FROM $SYSTEM.TMSCHEMA_COLUMNS",
	model.FacetMeasures:      "SELECT * FROM $SYSTEM.TMSCHEMA_MEASURES",
	model.FacetRelationships: "SELECT * FROM $SYSTEM.TMSCHEMA_RELATIONSHIPS",
}

// 行数与数据源尽力读取，失败只记警告
const (
	storageQuery     = "SELECT DIMENSION_NAME, ROWS_COUNT FROM $SYSTEM.DISCOVER_STORAGE_TABLES"
	dataSourcesQuery = "SELECT * FROM $SYSTEM.TMSCHEMA_DATA_SOURCES"
)

// Target 一个提取单元
type Target struct {
	JobID     string
	Workspace model.Workspace
	Dataset   model.Dataset
}

type Extractor struct {
	dialer xmla.Dialer
	retry  retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Extractor)

func WithRetry(p retry.Policy) Option {
	return func(e *Extractor) { e.retry = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// DefaultRetry 连接类瞬时错误按固定间隔重试
var DefaultRetry = retry.Fixed(3, 2*time.Second)

func New(dialer xmla.Dialer, opts ...Option) *Extractor {
	e := &Extractor{
		dialer: dialer,
		retry:  DefaultRetry,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.retry.Retryable = scanerr.Retryable
	return e
}

// Extract 总是返回文档，失败记录在 outcome 中
func (e *Extractor) Extract(ctx context.Context, target Target, tok *credential.Token) *model.Document {
	doc := model.NewDocument(&target.Workspace, &target.Dataset)
	doc.JobID = target.JobID
	doc.ExtractedAt = e.now().UTC()

	log := e.logger.With("job_id", target.JobID, "workspace", target.Workspace.Name, "dataset", target.Dataset.Name)

	if tok == nil || tok.Mode != credential.ModeService {
		doc.Fail(string(scanerr.KindCapability), "",
			"deep extraction requires service credentials; interactive sessions cannot use XMLA")
		return doc
	}
	if !target.Workspace.CapacityBacked() {
		msg := "workspace is not on dedicated capacity; XMLA endpoint unavailable"
		if target.Workspace.IsPersonal() {
			msg = "personal workspace is not on dedicated capacity; XMLA endpoint unavailable"
		}
		doc.Fail(string(scanerr.KindWorkspaceType), "", msg)
		return doc
	}

	info := xmla.ConnectionInfo{
		Workspace:   target.Workspace.Name,
		Catalog:     target.Dataset.Name,
		AccessToken: tok.AccessToken,
	}

	var conn xmla.Conn
	err := e.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		c, err := e.dialer.Open(ctx, info)
		if err != nil {
			cerr := Classify(err)
			log.Warn("xmla connection failed", "attempt", attempt, "kind", cerr.Kind, "error", err)
			return cerr
		}
		conn = c
		return nil
	})
	if err != nil {
		se := Classify(err)
		doc.Fail(string(se.Kind), se.Reason, se.Message)
		return doc
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			log.Debug("xmla close failed", "error", cerr)
		}
	}()
	log.Debug("xmla connected", "connection", xmla.ConnectionString(info))

	results := make(map[string][]xmla.Row, len(facetQueries))
	failed := 0
	for _, facet := range model.Facets {
		rows, err := e.query(ctx, conn, facetQueries[facet])
		if err != nil {
			se := Classify(err)
			doc.SetFacetError(facet, &model.OutcomeError{Kind: string(se.Kind), Reason: se.Reason, Message: se.Message})
			log.Warn("facet extraction failed", "facet", facet, "kind", se.Kind)
			failed++
			continue
		}
		results[facet] = rows
	}

	if failed == len(model.Facets) {
		// 全部 facet 失败时以第一个错误作为结果
		first := doc.FacetErrors[model.Facets[0]]
		doc.Fail(first.Kind, first.Reason, first.Message)
		return doc
	}

	var rowCounts map[string]int64
	if _, ok := results[model.FacetTables]; ok {
		if rows, err := e.query(ctx, conn, storageQuery); err == nil {
			rowCounts = storageRowCounts(rows)
		} else {
			doc.Warnings = append(doc.Warnings, "row counts unavailable: "+Classify(err).Message)
		}
	}

	assemble(doc, results, rowCounts)

	if rows, err := e.query(ctx, conn, dataSourcesQuery); err == nil {
		doc.DataSources = dataSources(rows)
	} else {
		doc.Warnings = append(doc.Warnings, "data sources unavailable: "+Classify(err).Message)
		log.Warn("data sources query failed", "error", err)
	}

	if failed > 0 {
		doc.Outcome = model.OutcomePartial
	}
	log.Info("dataset extracted", "outcome", doc.Outcome,
		"tables", len(doc.Tables), "columns", doc.ColumnCount(), "measures", len(doc.Measures))
	return doc
}

func (e *Extractor) query(ctx context.Context, conn xmla.Conn, stmt string) ([]xmla.Row, error) {
	var rows []xmla.Row
	err := e.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		r, err := conn.Query(ctx, stmt)
		if err != nil {
			return Classify(err)
		}
		rows = r
		return nil
	})
	return rows, err
}

// Classify 将 XMLA 与传输错误映射为扫描错误分类
func Classify(err error) *scanerr.Error {
	var se *scanerr.Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return scanerr.New(scanerr.KindTimeout, "xmla request timed out", err)
	}

	var xe *xmla.Error
	if errors.As(err, &xe) {
		lower := strings.ToLower(xe.Fault)
		switch {
		case xe.StatusCode == http.StatusUnauthorized || xe.StatusCode == http.StatusForbidden ||
			strings.Contains(lower, "permission") || strings.Contains(lower, "not authorized") ||
			strings.Contains(lower, "access denied"):
			return scanerr.New(scanerr.KindPermission, "no permission to read the semantic model over XMLA", err)
		case strings.Contains(lower, "premium") || strings.Contains(lower, "capacity") ||
			strings.Contains(lower, "xmla endpoint"):
			return scanerr.New(scanerr.KindWorkspaceType, "XMLA endpoint not available for this workspace", err)
		case xe.StatusCode >= 500 && xe.Fault == "",
			xe.StatusCode == http.StatusTooManyRequests,
			xe.StatusCode == 0 && xe.Fault == "":
			return scanerr.New(scanerr.KindConnectivity, "xmla endpoint unreachable", err)
		case xe.Fault != "":
			return scanerr.New(scanerr.KindUnknown, xe.Fault, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return scanerr.New(scanerr.KindConnectivity, "xmla endpoint unreachable", err)
	}
	return scanerr.New(scanerr.KindUnknown, err.Error(), err)
}

// TMSCHEMA_COLUMNS 的 DataType 编码
var dataTypes = map[string]string{
	"1":  "Automatic",
	"2":  "String",
	"6":  "Int64",
	"8":  "Double",
	"9":  "DateTime",
	"10": "Decimal",
	"11": "Boolean",
	"17": "Binary",
	"19": "Unknown",
	"20": "Variant",
}

var crossFilter = map[string]string{
	"1": "OneDirection",
	"2": "BothDirections",
	"3": "Automatic",
}

// FromCardinality / ToCardinality 编码
var cardinality = map[string]string{
	"1": "One",
	"2": "Many",
}

var dataSourceTypes = map[string]string{
	"1": "Provider",
	"2": "Structured",
}

var impersonationModes = map[string]string{
	"1": "Default",
	"2": "ImpersonateAccount",
	"3": "ImpersonateAnonymous",
	"4": "ImpersonateCurrentUser",
	"5": "ImpersonateServiceAccount",
	"6": "ImpersonateUnattendedAccount",
}

const columnTypeRowNumber = "3"

func assemble(doc *model.Document, results map[string][]xmla.Row, rowCounts map[string]int64) {
	datasetID := doc.Dataset.ID
	tableNames := map[string]string{}
	var order []string
	tables := map[string]*model.Table{}

	for _, r := range results[model.FacetTables] {
		name := r["Name"]
		if name == "" {
			continue
		}
		tableNames[r["ID"]] = name
		tables[name] = &model.Table{
			DatasetID:   datasetID,
			Name:        name,
			Description: r["Description"],
			IsHidden:    parseBool(r["IsHidden"]),
			RowCount:    rowCounts[name],
			Columns:     []model.Column{},
		}
		order = append(order, name)
	}

	// 表名不可用时按原始 TableID 归组
	_, haveTables := results[model.FacetTables]
	columnNames := map[string]string{}
	dropped, synthetic := 0, 0
	for _, r := range results[model.FacetColumns] {
		name := r["ExplicitName"]
		if name == "" {
			name = r["InferredName"]
		}
		columnNames[r["ID"]] = name
		if name == "" || r["Type"] == columnTypeRowNumber || strings.HasPrefix(name, "RowNumber-") {
			dropped++
			continue
		}
		tableName, ok := tableNames[r["TableID"]]
		if !ok && !haveTables && r["TableID"] != "" {
			tableName, ok = r["TableID"], true
			if _, exists := tables[tableName]; !exists {
				tables[tableName] = &model.Table{
					DatasetID: datasetID,
					Name:      tableName,
					Columns:   []model.Column{},
					Synthetic: true,
				}
				order = append(order, tableName)
				synthetic++
			}
		}
		if !ok {
			dropped++
			continue
		}
		t := tables[tableName]
		t.Columns = append(t.Columns, model.Column{
			DatasetID:    datasetID,
			Table:        tableName,
			Name:         name,
			DataType:     dataTypeName(r["ExplicitDataType"], r["InferredDataType"]),
			IsHidden:     parseBool(r["IsHidden"]),
			IsKey:        parseBool(r["IsKey"]),
			DataCategory: r["DataCategory"],
			Description:  r["Description"],
			Expression:   r["Expression"],
		})
	}
	if dropped > 0 {
		doc.Warnings = append(doc.Warnings, fmt.Sprintf("%d placeholder or orphan columns dropped", dropped))
	}
	if synthetic > 0 {
		doc.Warnings = append(doc.Warnings,
			fmt.Sprintf("table names unavailable; columns grouped under %d table ids", synthetic))
	}

	for _, name := range order {
		t := tables[name]
		t.ColumnCount = len(t.Columns)
		doc.Tables = append(doc.Tables, *t)
	}

	seen := map[string]bool{}
	for _, r := range results[model.FacetMeasures] {
		name := r["Name"]
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		doc.Measures = append(doc.Measures, model.Measure{
			DatasetID:     datasetID,
			Name:          name,
			Table:         lookup(tableNames, r["TableID"]),
			Expression:    r["Expression"],
			FormatString:  r["FormatString"],
			DisplayFolder: r["DisplayFolder"],
			IsHidden:      parseBool(r["IsHidden"]),
			Description:   r["Description"],
		})
	}

	relSeen := map[string]bool{}
	for _, r := range results[model.FacetRelationships] {
		rel := model.Relationship{
			DatasetID:   datasetID,
			FromTable:   lookup(tableNames, r["FromTableID"]),
			FromColumn:  lookup(columnNames, r["FromColumnID"]),
			ToTable:     lookup(tableNames, r["ToTableID"]),
			ToColumn:    lookup(columnNames, r["ToColumnID"]),
			CrossFilter: crossFilter[r["CrossFilteringBehavior"]],
			Cardinality: relationshipCardinality(r),
			IsActive:    parseBool(r["IsActive"]),
		}
		key := rel.FromTable + "\x00" + rel.FromColumn + "\x00" + rel.ToTable + "\x00" + rel.ToColumn
		if relSeen[key] {
			continue
		}
		relSeen[key] = true
		doc.Relationships = append(doc.Relationships, rel)
	}

	sort.SliceStable(doc.Measures, func(i, j int) bool { return doc.Measures[i].Name < doc.Measures[j].Name })
}

// relationshipCardinality 输出形如 ManyToOne
func relationshipCardinality(r xmla.Row) string {
	from, to := cardinality[r["FromCardinality"]], cardinality[r["ToCardinality"]]
	if from == "" || to == "" {
		return r["Cardinality"]
	}
	return from + "To" + to
}

var secretPattern = regexp.MustCompile(`(?i)\b(password|pwd|accountkey|sharedaccesssignature)\s*=\s*("[^"]*"|[^;]*)`)

// redactConnectionString 隐去连接串中的口令与密钥
func redactConnectionString(s string) string {
	return secretPattern.ReplaceAllString(s, "$1=***")
}

func dataSources(rows []xmla.Row) []model.DataSource {
	out := make([]model.DataSource, 0, len(rows))
	seen := map[string]bool{}
	for _, r := range rows {
		name := r["Name"]
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		typ, ok := dataSourceTypes[r["Type"]]
		if !ok {
			typ = r["Type"]
		}
		out = append(out, model.DataSource{
			Name:              name,
			Type:              typ,
			ConnectionString:  redactConnectionString(r["ConnectionString"]),
			ImpersonationMode: impersonationModes[r["ImpersonationMode"]],
			Description:       r["Description"],
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// lookup 所属 facet 失败时退回原始 ID
func lookup(names map[string]string, id string) string {
	if n, ok := names[id]; ok && n != "" {
		return n
	}
	return id
}

func dataTypeName(explicit, inferred string) string {
	code := explicit
	if code == "" || code == "1" {
		code = inferred
	}
	if n, ok := dataTypes[code]; ok {
		return n
	}
	return code
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}

func storageRowCounts(rows []xmla.Row) map[string]int64 {
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		n, err := strconv.ParseInt(strings.TrimSpace(r["ROWS_COUNT"]), 10, 64)
		if err != nil {
			continue
		}
		name := r["DIMENSION_NAME"]
		if n > out[name] {
			out[name] = n
		}
	}
	return out
}
