package extractor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbutinar/power-bi-catalog/internal/model"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/credential"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/retry"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/scanerr"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/xmla"
)

type fakeConn struct {
	mu      sync.Mutex
	results map[string][]xmla.Row
	errs    map[string]error
	closed  bool
	queries []string
}

func (c *fakeConn) Query(ctx context.Context, stmt string) ([]xmla.Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, stmt)
	for key, err := range c.errs {
		if strings.Contains(stmt, key) {
			return nil, err
		}
	}
	for key, rows := range c.results {
		if strings.Contains(stmt, key) {
			return rows, nil
		}
	}
	return nil, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeDialer struct {
	conn     *fakeConn
	openErrs []error
	opens    int
	info     xmla.ConnectionInfo
}

func (d *fakeDialer) Open(ctx context.Context, info xmla.ConnectionInfo) (xmla.Conn, error) {
	d.opens++
	d.info = info
	if len(d.openErrs) > 0 {
		err := d.openErrs[0]
		d.openErrs = d.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return d.conn, nil
}

func salesModel() map[string][]xmla.Row {
	return map[string][]xmla.Row{
		"TMSCHEMA_TABLES": {
			{"ID": "10", "Name": "Sales", "IsHidden": "false"},
			{"ID": "11", "Name": "Date", "IsHidden": "true", "Description": "calendar"},
		},
		"TMSCHEMA_COLUMNS": {
			{"ID": "100", "TableID": "10", "ExplicitName": "Amount", "ExplicitDataType": "8", "Type": "1"},
			{"ID": "101", "TableID": "10", "ExplicitName": "DateKey", "ExplicitDataType": "6", "Type": "1"},
			{"ID": "102", "TableID": "10", "InferredName": "RowNumber-2662979B", "Type": "3"},
			{"ID": "110", "TableID": "11", "ExplicitName": "DateKey", "ExplicitDataType": "6", "IsKey": "true", "Type": "1"},
			{"ID": "199", "TableID": "99", "ExplicitName": "Ghost", "Type": "1"},
		},
		"TMSCHEMA_MEASURES": {
			{"ID": "1", "TableID": "10", "Name": "Total Sales", "Expression": "SUM(Sales[Amount])"},
		},
		"TMSCHEMA_RELATIONSHIPS": {
			{"ID": "1", "FromTableID": "10", "FromColumnID": "101", "ToTableID": "11", "ToColumnID": "110",
				"CrossFilteringBehavior": "1", "IsActive": "true"},
		},
		"DISCOVER_STORAGE_TABLES": {
			{"DIMENSION_NAME": "Sales", "ROWS_COUNT": "1200"},
			{"DIMENSION_NAME": "Sales", "ROWS_COUNT": "3"},
			{"DIMENSION_NAME": "Date", "ROWS_COUNT": "365"},
		},
	}
}

func serviceToken() *credential.Token {
	return &credential.Token{Mode: credential.ModeService, Audience: credential.AudienceXMLA,
		AccessToken: "tok", Expiry: time.Now().Add(time.Hour)}
}

func capacityTarget() Target {
	return Target{
		JobID:     "job1",
		Workspace: model.Workspace{ID: "ws-1", Name: "Finance", IsOnDedicatedCapacity: true},
		Dataset:   model.Dataset{ID: "ds-1", Name: "Sales Model"},
	}
}

func newTestExtractor(d xmla.Dialer) *Extractor {
	return New(d,
		WithRetry(retry.Fixed(3, time.Millisecond)),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestExtract_Success(t *testing.T) {
	conn := &fakeConn{results: salesModel()}
	d := &fakeDialer{conn: conn}

	doc := newTestExtractor(d).Extract(context.Background(), capacityTarget(), serviceToken())

	assert.Equal(t, model.OutcomeSuccess, doc.Outcome)
	assert.Equal(t, model.DocumentSchemaVersion, doc.SchemaVersion)
	assert.Equal(t, "job1", doc.JobID)
	assert.Equal(t, "Finance", d.info.Workspace)
	assert.Equal(t, "Sales Model", d.info.Catalog)

	require.Len(t, doc.Tables, 2)
	sales := doc.Tables[0]
	assert.Equal(t, "Sales", sales.Name)
	assert.Equal(t, int64(1200), sales.RowCount)
	assert.Equal(t, 2, sales.ColumnCount)
	assert.Equal(t, "Double", sales.Columns[0].DataType)
	assert.True(t, doc.Tables[1].Columns[0].IsKey)

	require.Len(t, doc.Measures, 1)
	assert.Equal(t, "Sales", doc.Measures[0].Table)

	require.Len(t, doc.Relationships, 1)
	rel := doc.Relationships[0]
	assert.Equal(t, "Sales", rel.FromTable)
	assert.Equal(t, "DateKey", rel.FromColumn)
	assert.Equal(t, "Date", rel.ToTable)
	assert.Equal(t, "OneDirection", rel.CrossFilter)
	assert.True(t, rel.IsActive)

	// RowNumber placeholder and orphan column are dropped, not failures
	assert.Equal(t, 3, doc.ColumnCount())
	require.Len(t, doc.Warnings, 1)
	assert.Contains(t, doc.Warnings[0], "2 placeholder or orphan columns")
	assert.Empty(t, doc.FacetErrors)
	assert.True(t, conn.closed)
}

func TestExtract_EmptyModelIsSuccess(t *testing.T) {
	conn := &fakeConn{}
	doc := newTestExtractor(&fakeDialer{conn: conn}).Extract(context.Background(), capacityTarget(), serviceToken())

	assert.Equal(t, model.OutcomeSuccess, doc.Outcome)
	assert.Empty(t, doc.Tables)
	assert.Empty(t, doc.Measures)
	assert.NotNil(t, doc.Tables)
	assert.True(t, conn.closed)
}

func TestExtract_MeasuresPermissionIsPartial(t *testing.T) {
	conn := &fakeConn{
		results: salesModel(),
		errs: map[string]error{
			"TMSCHEMA_MEASURES": &xmla.Error{StatusCode: http.StatusForbidden},
		},
	}
	doc := newTestExtractor(&fakeDialer{conn: conn}).Extract(context.Background(), capacityTarget(), serviceToken())

	assert.Equal(t, model.OutcomePartial, doc.Outcome)
	assert.Empty(t, doc.Measures)
	require.Contains(t, doc.FacetErrors, model.FacetMeasures)
	assert.Equal(t, string(scanerr.KindPermission), doc.FacetErrors[model.FacetMeasures].Kind)
	assert.Len(t, doc.Tables, 2)
	assert.Len(t, doc.Relationships, 1)
	assert.True(t, conn.closed)
}

func TestExtract_TablesFailedKeepsColumns(t *testing.T) {
	conn := &fakeConn{
		results: salesModel(),
		errs: map[string]error{
			"TMSCHEMA_TABLES": &xmla.Error{StatusCode: http.StatusForbidden},
		},
	}
	doc := newTestExtractor(&fakeDialer{conn: conn}).Extract(context.Background(), capacityTarget(), serviceToken())

	assert.Equal(t, model.OutcomePartial, doc.Outcome)
	require.Contains(t, doc.FacetErrors, model.FacetTables)
	assert.Equal(t, string(scanerr.KindPermission), doc.FacetErrors[model.FacetTables].Kind)
	assert.NotContains(t, doc.FacetErrors, model.FacetColumns)

	// four real columns survive under their table ids; only the RowNumber placeholder is dropped
	require.Len(t, doc.Tables, 3)
	byID := map[string]model.Table{}
	for _, tbl := range doc.Tables {
		assert.True(t, tbl.Synthetic)
		byID[tbl.Name] = tbl
	}
	assert.Len(t, byID["10"].Columns, 2)
	assert.Len(t, byID["11"].Columns, 1)
	assert.Len(t, byID["99"].Columns, 1)
	assert.Equal(t, 4, doc.ColumnCount())

	require.Len(t, doc.Relationships, 1)
	assert.Equal(t, "10", doc.Relationships[0].FromTable)
	assert.Equal(t, "DateKey", doc.Relationships[0].FromColumn)

	assert.Contains(t, doc.Warnings, "1 placeholder or orphan columns dropped")
	assert.Contains(t, doc.Warnings, "table names unavailable; columns grouped under 3 table ids")
	for _, q := range conn.queries {
		assert.NotContains(t, q, "DISCOVER_STORAGE_TABLES")
	}
}

func TestExtract_DataSources(t *testing.T) {
	rows := salesModel()
	rows["TMSCHEMA_DATA_SOURCES"] = []xmla.Row{
		{"ID": "2", "Name": "Warehouse", "Type": "1", "ImpersonationMode": "5",
			"ConnectionString": "Data Source=sql01;Initial Catalog=dw;User ID=etl;Password=s3cret;"},
		{"ID": "1", "Name": "Lake", "Type": "2", "ConnectionString": `AccountKey="abc;def";Endpoint=x`},
		{"ID": "3", "Name": "Warehouse", "Type": "1"},
	}
	rows["TMSCHEMA_MEASURES"][0]["DisplayFolder"] = "KPIs"
	rows["TMSCHEMA_RELATIONSHIPS"][0]["FromCardinality"] = "2"
	rows["TMSCHEMA_RELATIONSHIPS"][0]["ToCardinality"] = "1"

	doc := newTestExtractor(&fakeDialer{conn: &fakeConn{results: rows}}).
		Extract(context.Background(), capacityTarget(), serviceToken())

	assert.Equal(t, model.OutcomeSuccess, doc.Outcome)
	require.Len(t, doc.DataSources, 2)
	assert.Equal(t, "Lake", doc.DataSources[0].Name)
	assert.Equal(t, "Structured", doc.DataSources[0].Type)
	assert.Equal(t, "AccountKey=***;Endpoint=x", doc.DataSources[0].ConnectionString)

	wh := doc.DataSources[1]
	assert.Equal(t, "Provider", wh.Type)
	assert.Equal(t, "ImpersonateServiceAccount", wh.ImpersonationMode)
	assert.Equal(t, "Data Source=sql01;Initial Catalog=dw;User ID=etl;Password=***;", wh.ConnectionString)
	assert.NotContains(t, wh.ConnectionString, "s3cret")

	assert.Equal(t, "KPIs", doc.Measures[0].DisplayFolder)
	assert.Equal(t, "ManyToOne", doc.Relationships[0].Cardinality)
}

func TestExtract_DataSourcesFailureIsWarning(t *testing.T) {
	conn := &fakeConn{
		results: salesModel(),
		errs: map[string]error{
			"TMSCHEMA_DATA_SOURCES": &xmla.Error{StatusCode: http.StatusForbidden},
		},
	}
	doc := newTestExtractor(&fakeDialer{conn: conn}).Extract(context.Background(), capacityTarget(), serviceToken())

	assert.Equal(t, model.OutcomeSuccess, doc.Outcome)
	assert.Nil(t, doc.DataSources)
	assert.Empty(t, doc.FacetErrors)
	require.Len(t, doc.Warnings, 2)
	assert.Contains(t, doc.Warnings[1], "data sources unavailable")
}

func TestExtract_AllFacetsFailed(t *testing.T) {
	boom := &xmla.Error{Fault: "The database was deleted", FaultCode: "1"}
	conn := &fakeConn{errs: map[string]error{"TMSCHEMA": boom}}
	doc := newTestExtractor(&fakeDialer{conn: conn}).Extract(context.Background(), capacityTarget(), serviceToken())

	assert.Equal(t, model.OutcomeFailed, doc.Outcome)
	require.NotNil(t, doc.Error)
	assert.Equal(t, string(scanerr.KindUnknown), doc.Error.Kind)
	assert.True(t, conn.closed)
}

func TestExtract_WorkspaceTypeBeforeConnecting(t *testing.T) {
	// the dialer would report a permission failure; it must never be reached
	d := &fakeDialer{openErrs: []error{&xmla.Error{StatusCode: http.StatusForbidden}}}
	target := capacityTarget()
	target.Workspace.IsOnDedicatedCapacity = false

	doc := newTestExtractor(d).Extract(context.Background(), target, serviceToken())

	assert.Equal(t, model.OutcomeFailed, doc.Outcome)
	assert.Equal(t, string(scanerr.KindWorkspaceType), doc.Error.Kind)
	assert.Equal(t, 0, d.opens)
}

func TestExtract_PersonalWorkspace(t *testing.T) {
	target := capacityTarget()
	target.Workspace.IsOnDedicatedCapacity = false
	target.Workspace.Type = model.WorkspaceTypePersonal

	doc := newTestExtractor(&fakeDialer{}).Extract(context.Background(), target, serviceToken())
	assert.Equal(t, string(scanerr.KindWorkspaceType), doc.Error.Kind)
	assert.Contains(t, doc.Error.Message, "personal workspace")
}

func TestExtract_InteractiveTokenRejected(t *testing.T) {
	d := &fakeDialer{conn: &fakeConn{}}
	tok := serviceToken()
	tok.Mode = credential.ModeInteractive

	doc := newTestExtractor(d).Extract(context.Background(), capacityTarget(), tok)

	assert.Equal(t, model.OutcomeFailed, doc.Outcome)
	assert.Equal(t, string(scanerr.KindCapability), doc.Error.Kind)
	assert.Equal(t, 0, d.opens)

	doc = newTestExtractor(d).Extract(context.Background(), capacityTarget(), nil)
	assert.Equal(t, string(scanerr.KindCapability), doc.Error.Kind)
}

func TestExtract_ConnectivityRetried(t *testing.T) {
	transient := &xmla.Error{StatusCode: http.StatusServiceUnavailable}
	conn := &fakeConn{results: salesModel()}
	d := &fakeDialer{conn: conn, openErrs: []error{transient, transient, nil}}

	doc := newTestExtractor(d).Extract(context.Background(), capacityTarget(), serviceToken())

	assert.Equal(t, model.OutcomeSuccess, doc.Outcome)
	assert.Equal(t, 3, d.opens)
}

func TestExtract_ConnectivityExhausted(t *testing.T) {
	transient := &xmla.Error{StatusCode: http.StatusBadGateway}
	d := &fakeDialer{openErrs: []error{transient, transient, transient, transient}}

	doc := newTestExtractor(d).Extract(context.Background(), capacityTarget(), serviceToken())

	assert.Equal(t, model.OutcomeFailed, doc.Outcome)
	assert.Equal(t, string(scanerr.KindConnectivity), doc.Error.Kind)
	assert.Equal(t, 3, d.opens)
}

func TestExtract_PermissionNotRetried(t *testing.T) {
	d := &fakeDialer{openErrs: []error{&xmla.Error{StatusCode: http.StatusUnauthorized}}}

	doc := newTestExtractor(d).Extract(context.Background(), capacityTarget(), serviceToken())

	assert.Equal(t, string(scanerr.KindPermission), doc.Error.Kind)
	assert.Equal(t, 1, d.opens)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want scanerr.Kind
	}{
		{"forbidden", &xmla.Error{StatusCode: 403}, scanerr.KindPermission},
		{"permission fault", &xmla.Error{StatusCode: 500, Fault: "The user does not have permission"}, scanerr.KindPermission},
		{"premium fault", &xmla.Error{StatusCode: 400, Fault: "XMLA endpoint is not enabled for this capacity"}, scanerr.KindWorkspaceType},
		{"server error", &xmla.Error{StatusCode: 503}, scanerr.KindConnectivity},
		{"transport", &xmla.Error{Err: errors.New("connection reset")}, scanerr.KindConnectivity},
		{"deadline", context.DeadlineExceeded, scanerr.KindTimeout},
		{"other", errors.New("boom"), scanerr.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err).Kind)
		})
	}
}
