package proto

import (
	"encoding/binary"
	"fmt"
)

// Fixed header sizes per message family, including the type byte.
const (
	requestHeaderSize  = 22 // type + request_id + total_len + module_len + function_len + kwargs_len + format
	responseHeaderSize = 20 // type + request_id + total_len + status + body_len + error_len + success
	wsEventHeaderSize  = 22 // type + connection_id + total_len + path_len + payload_len + is_binary
	wsRespHeaderSize   = 20 // type + connection_id + total_len + payload_len + close_code + is_binary
	reportHeaderSize   = 13 // type + worker_id + total_len + payload_len
)

// EncodeRequest encodes a Request message. Section lengths are the UTF-8
// byte lengths of the actual encoded strings.
func EncodeRequest(r *Request) []byte {
	module := []byte(r.Module)
	function := []byte(r.Function)
	total := requestHeaderSize + len(module) + len(function) + len(r.Kwargs)

	buf := make([]byte, total)
	buf[0] = byte(TypeRequest)
	binary.LittleEndian.PutUint32(buf[1:5], r.RequestID)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(total))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(module)))
	binary.LittleEndian.PutUint32(buf[13:17], uint32(len(function)))
	binary.LittleEndian.PutUint32(buf[17:21], uint32(len(r.Kwargs)))
	buf[21] = byte(r.Format)

	off := requestHeaderSize
	off += copy(buf[off:], module)
	off += copy(buf[off:], function)
	copy(buf[off:], r.Kwargs)
	return buf
}

// DecodeRequest decodes a Request message.
func DecodeRequest(buf []byte) (*Request, error) {
	if len(buf) < requestHeaderSize {
		return nil, truncated(fmt.Sprintf("request header needs %d bytes, have %d", requestHeaderSize, len(buf)))
	}
	if MessageType(buf[0]) != TypeRequest {
		return nil, &ProtocolError{Kind: ErrorBadType, Msg: fmt.Sprintf("expected request tag, got 0x%02x", buf[0])}
	}

	requestID := binary.LittleEndian.Uint32(buf[1:5])
	total := binary.LittleEndian.Uint32(buf[5:9])
	moduleLen := binary.LittleEndian.Uint32(buf[9:13])
	functionLen := binary.LittleEndian.Uint32(buf[13:17])
	kwargsLen := binary.LittleEndian.Uint32(buf[17:21])
	format := KwargsFormat(buf[21])

	want := uint64(requestHeaderSize) + uint64(moduleLen) + uint64(functionLen) + uint64(kwargsLen)
	if want != uint64(total) {
		return nil, lengthMismatch("request total_len %d disagrees with sections (%d)", total, want)
	}
	if uint64(len(buf)) < want {
		return nil, truncated(fmt.Sprintf("request body needs %d bytes, have %d", want, len(buf)))
	}

	off := uint32(requestHeaderSize)
	module := string(buf[off : off+moduleLen])
	off += moduleLen
	function := string(buf[off : off+functionLen])
	off += functionLen
	kwargs := make([]byte, kwargsLen)
	copy(kwargs, buf[off:off+kwargsLen])

	return &Request{
		RequestID: requestID,
		Module:    module,
		Function:  function,
		Format:    format,
		Kwargs:    kwargs,
	}, nil
}

// EncodeResponse encodes a Response message.
func EncodeResponse(r *Response) []byte {
	errMsg := []byte(r.ErrorMessage)
	total := responseHeaderSize + len(r.Body) + len(errMsg)

	buf := make([]byte, total)
	buf[0] = byte(TypeResponse)
	binary.LittleEndian.PutUint32(buf[1:5], r.RequestID)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(total))
	binary.LittleEndian.PutUint16(buf[9:11], r.Status)
	binary.LittleEndian.PutUint32(buf[11:15], uint32(len(r.Body)))
	binary.LittleEndian.PutUint32(buf[15:19], uint32(len(errMsg)))
	if r.Success {
		buf[19] = 1
	}

	off := responseHeaderSize
	off += copy(buf[off:], r.Body)
	copy(buf[off:], errMsg)
	return buf
}

// DecodeResponse decodes a Response message.
func DecodeResponse(buf []byte) (*Response, error) {
	if len(buf) < responseHeaderSize {
		return nil, truncated(fmt.Sprintf("response header needs %d bytes, have %d", responseHeaderSize, len(buf)))
	}
	if MessageType(buf[0]) != TypeResponse {
		return nil, &ProtocolError{Kind: ErrorBadType, Msg: fmt.Sprintf("expected response tag, got 0x%02x", buf[0])}
	}

	requestID := binary.LittleEndian.Uint32(buf[1:5])
	total := binary.LittleEndian.Uint32(buf[5:9])
	status := binary.LittleEndian.Uint16(buf[9:11])
	bodyLen := binary.LittleEndian.Uint32(buf[11:15])
	errLen := binary.LittleEndian.Uint32(buf[15:19])
	success := buf[19] != 0

	want := uint64(responseHeaderSize) + uint64(bodyLen) + uint64(errLen)
	if want != uint64(total) {
		return nil, lengthMismatch("response total_len %d disagrees with sections (%d)", total, want)
	}
	if uint64(len(buf)) < want {
		return nil, truncated(fmt.Sprintf("response body needs %d bytes, have %d", want, len(buf)))
	}

	off := uint32(responseHeaderSize)
	body := make([]byte, bodyLen)
	copy(body, buf[off:off+bodyLen])
	off += bodyLen
	errMsg := string(buf[off : off+errLen])

	return &Response{
		RequestID:    requestID,
		Status:       status,
		Success:      success,
		Body:         body,
		ErrorMessage: errMsg,
	}, nil
}

// EncodeWsEvent encodes an inbound WebSocket event. The type must be one of
// TypeWsConnect, TypeWsMessage, or TypeWsDisconnect.
func EncodeWsEvent(e *WsEvent) []byte {
	path := []byte(e.Path)
	total := wsEventHeaderSize + len(path) + len(e.Payload)

	buf := make([]byte, total)
	buf[0] = byte(e.Type)
	binary.LittleEndian.PutUint64(buf[1:9], e.ConnectionID)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(total))
	binary.LittleEndian.PutUint32(buf[13:17], uint32(len(path)))
	binary.LittleEndian.PutUint32(buf[17:21], uint32(len(e.Payload)))
	if e.IsBinary {
		buf[21] = 1
	}

	off := wsEventHeaderSize
	off += copy(buf[off:], path)
	copy(buf[off:], e.Payload)
	return buf
}

// DecodeWsEvent decodes an inbound WebSocket event message.
func DecodeWsEvent(buf []byte) (*WsEvent, error) {
	if len(buf) < wsEventHeaderSize {
		return nil, truncated(fmt.Sprintf("ws event header needs %d bytes, have %d", wsEventHeaderSize, len(buf)))
	}
	typ := MessageType(buf[0])
	if typ != TypeWsConnect && typ != TypeWsMessage && typ != TypeWsDisconnect {
		return nil, &ProtocolError{Kind: ErrorBadType, Msg: fmt.Sprintf("expected ws event tag, got 0x%02x", buf[0])}
	}

	connectionID := binary.LittleEndian.Uint64(buf[1:9])
	total := binary.LittleEndian.Uint32(buf[9:13])
	pathLen := binary.LittleEndian.Uint32(buf[13:17])
	payloadLen := binary.LittleEndian.Uint32(buf[17:21])
	isBinary := buf[21] != 0

	want := uint64(wsEventHeaderSize) + uint64(pathLen) + uint64(payloadLen)
	if want != uint64(total) {
		return nil, lengthMismatch("ws event total_len %d disagrees with sections (%d)", total, want)
	}
	if uint64(len(buf)) < want {
		return nil, truncated(fmt.Sprintf("ws event body needs %d bytes, have %d", want, len(buf)))
	}

	off := uint32(wsEventHeaderSize)
	path := string(buf[off : off+pathLen])
	off += pathLen
	payload := make([]byte, payloadLen)
	copy(payload, buf[off:off+payloadLen])

	return &WsEvent{
		Type:         typ,
		ConnectionID: connectionID,
		Path:         path,
		Payload:      payload,
		IsBinary:     isBinary,
	}, nil
}

// EncodeWsResponse encodes an outbound WebSocket action. The type must be
// TypeWsSend or TypeWsClose.
func EncodeWsResponse(r *WsResponse) []byte {
	total := wsRespHeaderSize + len(r.Payload)

	buf := make([]byte, total)
	buf[0] = byte(r.Type)
	binary.LittleEndian.PutUint64(buf[1:9], r.ConnectionID)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(total))
	binary.LittleEndian.PutUint32(buf[13:17], uint32(len(r.Payload)))
	binary.LittleEndian.PutUint16(buf[17:19], r.CloseCode)
	if r.IsBinary {
		buf[19] = 1
	}

	copy(buf[wsRespHeaderSize:], r.Payload)
	return buf
}

// DecodeWsResponse decodes an outbound WebSocket action message.
func DecodeWsResponse(buf []byte) (*WsResponse, error) {
	if len(buf) < wsRespHeaderSize {
		return nil, truncated(fmt.Sprintf("ws response header needs %d bytes, have %d", wsRespHeaderSize, len(buf)))
	}
	typ := MessageType(buf[0])
	if typ != TypeWsSend && typ != TypeWsClose {
		return nil, &ProtocolError{Kind: ErrorBadType, Msg: fmt.Sprintf("expected ws response tag, got 0x%02x", buf[0])}
	}

	connectionID := binary.LittleEndian.Uint64(buf[1:9])
	total := binary.LittleEndian.Uint32(buf[9:13])
	payloadLen := binary.LittleEndian.Uint32(buf[13:17])
	closeCode := binary.LittleEndian.Uint16(buf[17:19])
	isBinary := buf[19] != 0

	want := uint64(wsRespHeaderSize) + uint64(payloadLen)
	if want != uint64(total) {
		return nil, lengthMismatch("ws response total_len %d disagrees with sections (%d)", total, want)
	}
	if uint64(len(buf)) < want {
		return nil, truncated(fmt.Sprintf("ws response body needs %d bytes, have %d", want, len(buf)))
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[wsRespHeaderSize:uint32(wsRespHeaderSize)+payloadLen])

	return &WsResponse{
		Type:         typ,
		ConnectionID: connectionID,
		Payload:      payload,
		IsBinary:     isBinary,
		CloseCode:    closeCode,
	}, nil
}

// EncodeWorkerReport encodes a WorkerReport control message.
func EncodeWorkerReport(r *WorkerReport) []byte {
	total := reportHeaderSize + len(r.Payload)

	buf := make([]byte, total)
	buf[0] = byte(TypeWorkerReport)
	binary.LittleEndian.PutUint32(buf[1:5], r.WorkerID)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(total))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(r.Payload)))
	copy(buf[reportHeaderSize:], r.Payload)
	return buf
}

// DecodeWorkerReport decodes a WorkerReport control message.
func DecodeWorkerReport(buf []byte) (*WorkerReport, error) {
	if len(buf) < reportHeaderSize {
		return nil, truncated(fmt.Sprintf("worker report header needs %d bytes, have %d", reportHeaderSize, len(buf)))
	}
	if MessageType(buf[0]) != TypeWorkerReport {
		return nil, &ProtocolError{Kind: ErrorBadType, Msg: fmt.Sprintf("expected worker report tag, got 0x%02x", buf[0])}
	}

	workerID := binary.LittleEndian.Uint32(buf[1:5])
	total := binary.LittleEndian.Uint32(buf[5:9])
	payloadLen := binary.LittleEndian.Uint32(buf[9:13])

	want := uint64(reportHeaderSize) + uint64(payloadLen)
	if want != uint64(total) {
		return nil, lengthMismatch("worker report total_len %d disagrees with sections (%d)", total, want)
	}
	if uint64(len(buf)) < want {
		return nil, truncated(fmt.Sprintf("worker report body needs %d bytes, have %d", want, len(buf)))
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[reportHeaderSize:uint32(reportHeaderSize)+payloadLen])

	return &WorkerReport{WorkerID: workerID, Payload: payload}, nil
}

// EncodeShutdown encodes the 1-byte shutdown sentinel.
func EncodeShutdown() []byte {
	return []byte{byte(TypeShutdown)}
}

// Peek returns the message type of an encoded buffer without decoding it.
func Peek(buf []byte) (MessageType, error) {
	if len(buf) == 0 {
		return 0, truncated("empty message")
	}
	typ := MessageType(buf[0])
	switch typ {
	case TypeRequest, TypeResponse, TypeWorkerReport, TypeShutdown,
		TypeWsConnect, TypeWsMessage, TypeWsDisconnect, TypeWsSend, TypeWsClose:
		return typ, nil
	default:
		return 0, &ProtocolError{Kind: ErrorBadType, Msg: fmt.Sprintf("unknown message type 0x%02x", buf[0])}
	}
}

// Decode decodes any message, discriminating on the leading type byte.
// Returns one of *Request, *Response, *WsEvent, *WsResponse, *WorkerReport,
// or MessageType (TypeShutdown) for the sentinel.
func Decode(buf []byte) (any, error) {
	typ, err := Peek(buf)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeRequest:
		return DecodeRequest(buf)
	case TypeResponse:
		return DecodeResponse(buf)
	case TypeWsConnect, TypeWsMessage, TypeWsDisconnect:
		return DecodeWsEvent(buf)
	case TypeWsSend, TypeWsClose:
		return DecodeWsResponse(buf)
	case TypeWorkerReport:
		return DecodeWorkerReport(buf)
	default:
		return TypeShutdown, nil
	}
}
