/*
 *
 * janus - a browser remote-debugging protocol client
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"fmt"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

var (
	_ easyjson.Marshaler   = &Envelope{}
	_ easyjson.Unmarshaler = &Envelope{}
)

// Envelope is a single protocol message as it travels on the wire.
//
// CDP messages look like {"id":1,"method":"...","params":{},"sessionId":"..."}
// for commands, {"id":1,"result":{}} or {"id":1,"error":{...}} for responses
// and {"method":"...","params":{}} for events. WebDriver BiDi messages share
// the same fields plus "type", and report errors as a string code with a
// sibling "message".
type Envelope struct {
	ID int64
	// HasID records whether "id" was present at all. Classification depends
	// on the presence of the field, not on its value.
	HasID     bool
	Method    string
	SessionID string
	Type      string
	Params    easyjson.RawMessage
	Result    easyjson.RawMessage
	Error     *WireError
}

// WireError is the error object of a failed response.
type WireError struct {
	Code    int64
	Name    string
	Message string
	Data    string
}

func (e *WireError) String() string {
	switch {
	case e.Name != "" && e.Message != "":
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	case e.Name != "":
		return e.Name
	case e.Data != "":
		return fmt.Sprintf("%s (%d): %s", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// MarshalEasyJSON writes the envelope, omitting unset fields.
func (e Envelope) MarshalEasyJSON(out *jwriter.Writer) {
	first := true
	field := func(name string) {
		if !first {
			out.RawByte(',')
		}
		first = false
		out.RawByte('"')
		out.RawString(name)
		out.RawString(`":`)
	}

	out.RawByte('{')
	if e.HasID {
		field("id")
		out.Int64(e.ID)
	}
	if e.Type != "" {
		field("type")
		out.String(e.Type)
	}
	if e.Method != "" {
		field("method")
		out.String(e.Method)
	}
	if e.SessionID != "" {
		field("sessionId")
		out.String(e.SessionID)
	}
	if e.Params.IsDefined() {
		field("params")
		out.Raw(e.Params, nil)
	}
	if e.Result.IsDefined() {
		field("result")
		out.Raw(e.Result, nil)
	}
	if e.Error != nil {
		field("error")
		e.Error.MarshalEasyJSON(out)
	}
	out.RawByte('}')
}

// UnmarshalEasyJSON reads an envelope. Unknown fields are skipped and a null
// "id" counts as absent.
func (e *Envelope) UnmarshalEasyJSON(in *jlexer.Lexer) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
		in.Skip()
		return
	}

	var message string
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "id":
			e.ID = in.Int64()
			e.HasID = true
		case "method":
			e.Method = in.String()
		case "sessionId":
			e.SessionID = in.String()
		case "type":
			e.Type = in.String()
		case "params":
			(&e.Params).UnmarshalEasyJSON(in)
		case "result":
			(&e.Result).UnmarshalEasyJSON(in)
		case "error":
			we, err := decodeWireError(in.Raw())
			if err != nil {
				in.AddError(err)
			}
			e.Error = we
		case "message":
			message = in.String()
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}

	if e.Error != nil && e.Error.Message == "" {
		e.Error.Message = message
	}
}

// MarshalJSON supports json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	e.MarshalEasyJSON(&w)
	return w.BuildBytes()
}

// UnmarshalJSON supports json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	r := jlexer.Lexer{Data: data}
	e.UnmarshalEasyJSON(&r)
	return r.Error()
}

// MarshalEasyJSON writes the error as a CDP error object.
func (e WireError) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawString(`{"code":`)
	out.Int64(e.Code)
	out.RawString(`,"message":`)
	out.String(e.Message)
	if e.Data != "" {
		out.RawString(`,"data":`)
		out.String(e.Data)
	}
	out.RawByte('}')
}

// decodeWireError accepts both a CDP error object and a BiDi error code string.
func decodeWireError(raw []byte) (*WireError, error) {
	we := &WireError{}
	in := jlexer.Lexer{Data: raw}
	if len(raw) > 0 && raw[0] == '"' {
		we.Name = in.String()
		return we, in.Error()
	}

	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "code":
			we.Code = in.Int64()
		case "message":
			we.Message = in.String()
		case "data":
			data := in.Raw()
			if len(data) > 0 && data[0] == '"' {
				sub := jlexer.Lexer{Data: data}
				we.Data = sub.String()
			} else {
				we.Data = string(data)
			}
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')

	return we, in.Error()
}
