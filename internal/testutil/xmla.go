package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rbutinar/power-bi-catalog/internal/pkg/xmla"
)

// SalesModelRows DMV 结果：Sales(2 列)、Date(1 列)、1 个度量值、1 个关系、1 个数据源
func SalesModelRows() map[string][]xmla.Row {
	return map[string][]xmla.Row{
		"TMSCHEMA_TABLES": {
			{"ID": "10", "Name": "Sales", "IsHidden": "false"},
			{"ID": "11", "Name": "Date", "IsHidden": "true"},
		},
		"TMSCHEMA_COLUMNS": {
			{"ID": "100", "TableID": "10", "ExplicitName": "Amount", "ExplicitDataType": "8", "Type": "1"},
			{"ID": "101", "TableID": "10", "ExplicitName": "DateKey", "ExplicitDataType": "6", "Type": "1"},
			{"ID": "110", "TableID": "11", "ExplicitName": "DateKey", "ExplicitDataType": "6", "IsKey": "true", "Type": "1"},
		},
		"TMSCHEMA_MEASURES": {
			{"ID": "1", "TableID": "10", "Name": "Total Sales", "Expression": "SUM(Sales[Amount])"},
		},
		"TMSCHEMA_RELATIONSHIPS": {
			{"ID": "1", "FromTableID": "10", "FromColumnID": "101", "ToTableID": "11", "ToColumnID": "110",
				"CrossFilteringBehavior": "1", "IsActive": "true"},
		},
		"TMSCHEMA_DATA_SOURCES": {
			{"ID": "1", "Name": "Warehouse", "Type": "1", "ConnectionString": "Data Source=sql01;Initial Catalog=dw"},
		},
	}
}

// FakeXMLA 内存中的 XMLA 端点，按 catalog（语义模型名）返回结果
type FakeXMLA struct {
	mu sync.Mutex
	// OpenErrs catalog → 连接错误
	OpenErrs map[string]error
	// QueryErrs catalog → DMV 关键字 → 查询错误
	QueryErrs map[string]map[string]error
	// Delay 每次查询的延迟
	Delay time.Duration
	// Delays catalog → 覆盖 Delay
	Delays map[string]time.Duration
	// started 每个 catalog 第一次连接的时间
	started map[string]time.Time

	opens  map[string]int
	active int
	peak   int
}

func NewFakeXMLA() *FakeXMLA {
	return &FakeXMLA{
		OpenErrs:  map[string]error{},
		QueryErrs: map[string]map[string]error{},
		Delays:    map[string]time.Duration{},
		opens:     map[string]int{},
		started:   map[string]time.Time{},
	}
}

func (f *FakeXMLA) Open(ctx context.Context, info xmla.ConnectionInfo) (xmla.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens[info.Catalog]++
	if _, ok := f.started[info.Catalog]; !ok {
		f.started[info.Catalog] = time.Now()
	}
	if err := f.OpenErrs[info.Catalog]; err != nil {
		return nil, err
	}
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	return &fakeXMLAConn{parent: f, catalog: info.Catalog}, nil
}

// Opens 某个语义模型的连接次数
func (f *FakeXMLA) Opens(catalog string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[catalog]
}

// StartedAt 第一次连接某个语义模型的时间，未连接时 ok 为 false
func (f *FakeXMLA) StartedAt(catalog string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.started[catalog]
	return at, ok
}

// PeakConnections 同时打开的最大连接数
func (f *FakeXMLA) PeakConnections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

type fakeXMLAConn struct {
	parent  *FakeXMLA
	catalog string
	closed  bool
}

func (c *fakeXMLAConn) Query(ctx context.Context, stmt string) ([]xmla.Row, error) {
	c.parent.mu.Lock()
	delay, ok := c.parent.Delays[c.catalog]
	if !ok {
		delay = c.parent.Delay
	}
	c.parent.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.parent.mu.Lock()
	defer c.parent.mu.Unlock()
	for key, err := range c.parent.QueryErrs[c.catalog] {
		if strings.Contains(stmt, key) {
			return nil, err
		}
	}
	for key, rows := range SalesModelRows() {
		if strings.Contains(stmt, key) {
			return rows, nil
		}
	}
	return nil, nil
}

func (c *fakeXMLAConn) Close() error {
	c.parent.mu.Lock()
	defer c.parent.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.parent.active--
	}
	return nil
}
