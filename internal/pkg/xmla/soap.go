package xmla

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	nsSOAP = "http://schemas.xmlsoap.org/soap/envelope/"
	nsXMLA = "urn:schemas-microsoft-com:xml-analysis"
)

func escape(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func header(session string, begin bool, end bool) string {
	switch {
	case begin:
		return `<soap:Header><BeginSession soap:mustUnderstand="1" xmlns="` + nsXMLA + `"/></soap:Header>`
	case end:
		return `<soap:Header><EndSession soap:mustUnderstand="1" SessionId="` + escape(session) + `" xmlns="` + nsXMLA + `"/></soap:Header>`
	case session != "":
		return `<soap:Header><Session soap:mustUnderstand="1" SessionId="` + escape(session) + `" xmlns="` + nsXMLA + `"/></soap:Header>`
	default:
		return ""
	}
}

func properties(catalog string) string {
	return `<Properties><PropertyList><Catalog>` + escape(catalog) +
		`</Catalog><Format>Tabular</Format></PropertyList></Properties>`
}

func discoverEnvelope(catalog, session string, begin bool) []byte {
	return []byte(`<soap:Envelope xmlns:soap="` + nsSOAP + `">` +
		header(session, begin, false) +
		`<soap:Body><Discover xmlns="` + nsXMLA + `"><RequestType>DISCOVER_PROPERTIES</RequestType>` +
		`<Restrictions/>` + properties(catalog) + `</Discover></soap:Body></soap:Envelope>`)
}

func executeEnvelope(catalog, session, statement string) []byte {
	return []byte(`<soap:Envelope xmlns:soap="` + nsSOAP + `">` +
		header(session, false, false) +
		`<soap:Body><Execute xmlns="` + nsXMLA + `"><Command><Statement>` + escape(statement) +
		`</Statement></Command>` + properties(catalog) + `</Execute></soap:Body></soap:Envelope>`)
}

func endSessionEnvelope(catalog, session string) []byte {
	return []byte(`<soap:Envelope xmlns:soap="` + nsSOAP + `">` +
		header(session, false, true) +
		`<soap:Body><Execute xmlns="` + nsXMLA + `"><Command><Statement/></Command>` +
		properties(catalog) + `</Execute></soap:Body></soap:Envelope>`)
}

type fault struct {
	code    string
	message string
}

type result struct {
	sessionID string
	rows      []Row
	fault     *fault
}

// parseResponse 解析 SOAP 响应中的会话 ID、rowset 行以及 Fault 或 XMLA Error
func parseResponse(r io.Reader) (*result, error) {
	dec := xml.NewDecoder(r)
	res := &result{}

	var (
		row     Row
		field   string
		text    strings.Builder
		inFault bool
		faultEl string
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("parse xmla response: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			name := t.Name.Local
			switch {
			case name == "Session":
				for _, a := range t.Attr {
					if a.Name.Local == "SessionId" {
						res.sessionID = a.Value
					}
				}
			case name == "Fault":
				inFault = true
				if res.fault == nil {
					res.fault = &fault{}
				}
			case name == "Error" && row == nil:
				// <Messages> 中的 <Error ErrorCode=".." Description=".."/>
				if res.fault == nil {
					res.fault = &fault{}
				}
				for _, a := range t.Attr {
					switch a.Name.Local {
					case "ErrorCode":
						res.fault.code = a.Value
					case "Description":
						res.fault.message = a.Value
					}
				}
			case inFault && (name == "faultcode" || name == "faultstring"):
				faultEl = name
				text.Reset()
			case name == "row":
				row = Row{}
			case row != nil && field == "":
				field = name
				text.Reset()
			}
		case xml.CharData:
			if field != "" || faultEl != "" {
				text.Write(t)
			}
		case xml.EndElement:
			name := t.Name.Local
			switch {
			case faultEl != "" && name == faultEl:
				if faultEl == "faultcode" && res.fault.code == "" {
					res.fault.code = strings.TrimSpace(text.String())
				}
				if faultEl == "faultstring" && res.fault.message == "" {
					res.fault.message = strings.TrimSpace(text.String())
				}
				faultEl = ""
			case name == "Fault":
				inFault = false
			case row != nil && field != "" && name == field:
				row[field] = text.String()
				field = ""
			case name == "row" && row != nil:
				res.rows = append(res.rows, row)
				row = nil
			}
		}
	}
	return res, nil
}
