// File: internal/decoder/record.go
//
// Typed interpretation of the legacy XML acknowledgment carried inside an
// assembled message. The terminal's protocol is undocumented; field locations
// and the acceptance code tables below were established empirically against
// live traffic.
package decoder

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// Record is the assembled, typed form of one cross-frame message.
type Record struct {
	MessageID string
	// Type is the message type declared in the header, e.g. "RESPONSE".
	Type string
	// Reference is the shipment/item identifier the terminal echoes back.
	Reference string
	RespCode  string
	AckCode   string
	ErrorType string
	Exception string
	// Accepted is the protocol-level verdict derived from RespCode/AckCode.
	Accepted bool
}

// Response codes the terminal uses for accepted inputs. An absent code is
// itself an acceptance: the terminal omits RespCode entirely on the happy
// path for some screens.
var acceptedRespCodes = map[string]struct{}{
	"":   {},
	"0":  {},
	"25": {},
}

// Acknowledgment codes that mark a transaction-level accept.
var acceptedAckCodes = map[string]struct{}{
	"TA": {},
	"AA": {},
	"OK": {},
}

// Element names probed for each logical field. The terminal is inconsistent
// about nesting and casing across screen families.
var fieldPaths = map[string][]string{
	"type":      {"//Message_Type", "//MessageType", "//MsgType"},
	"reference": {"//ShipmentId", "//Shipment_Id", "//RefNbr", "//Reference", "//ItemId"},
	"resp":      {"//RespCode", "//Resp_Code", "//ResponseCode"},
	"ack":       {"//AckCode", "//Ack_Code"},
	"errtype":   {"//ErrorType", "//Error_Type"},
	"exception": {"//ExceptionDetails", "//Exception_Details", "//ExceptionDetail"},
}

// ParseRecord interprets an assembled XML payload.
func ParseRecord(messageID, payload string) (*Record, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(payload); err != nil {
		return nil, fmt.Errorf("acknowledgment xml: %w", err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("acknowledgment xml: no root element")
	}

	rec := &Record{
		MessageID: messageID,
		Type:      findText(doc, fieldPaths["type"]),
		Reference: findText(doc, fieldPaths["reference"]),
		RespCode:  findText(doc, fieldPaths["resp"]),
		AckCode:   findText(doc, fieldPaths["ack"]),
		ErrorType: findText(doc, fieldPaths["errtype"]),
		Exception: findText(doc, fieldPaths["exception"]),
	}
	rec.Accepted = accepted(rec)
	return rec, nil
}

// accepted applies the code tables. An explicit error type always rejects.
// A present ack code is authoritative; otherwise the resp code table decides,
// where an absent resp code counts as acceptance.
func accepted(rec *Record) bool {
	if rec.ErrorType != "" {
		return false
	}
	if rec.AckCode != "" {
		_, ok := acceptedAckCodes[rec.AckCode]
		return ok
	}
	_, ok := acceptedRespCodes[rec.RespCode]
	return ok
}

func findText(doc *etree.Document, paths []string) string {
	for _, path := range paths {
		if el := doc.FindElement(path); el != nil {
			return strings.TrimSpace(el.Text())
		}
	}
	return ""
}
