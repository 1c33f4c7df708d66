package serializer

import (
	"bufio"
	"bytes"
	"net/http"
	"strconv"
	"time"
)

// Stored responses carry the time they were fetched from the network as an
// extra header in the serialized form. The header is stripped again on read.
const fetchTimeHeaderName = "Ogw-Fetched-At"

// StoredResponse is a response captured for storage together with the time
// it was fetched.
type StoredResponse struct {
	Response  *http.Response
	FetchedAt time.Time
}

// ToBytes converts a captured response to its stored byte form: the
// HTTP/1.1 representation of the response.
// The response stays usable for the caller afterwards: the returned bytes
// hold a full copy of the body, and the response body is replaced with a
// fresh reader over that copy. Reading one never drains the other.
func ToBytes(sres StoredResponse) ([]byte, error) {
	res := sres.Response
	res.Header.Set(fetchTimeHeaderName, strconv.FormatInt(sres.FetchedAt.Unix(), 10))
	bts, err := responseToBytes(res)
	// remove the extra header just in case
	res.Header.Del(fetchTimeHeaderName)
	return bts, err
}

// FromBytes re-creates a stored response from its byte form, framed for
// the given request method: a stored HEAD response declares a length but
// holds no body bytes. Each call returns a response with its own body
// reader.
func FromBytes(b []byte, method string) (StoredResponse, error) {
	sres := StoredResponse{}
	var req *http.Request
	if method != "" {
		req = &http.Request{Method: method}
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return sres, err
	}
	if ts, err := strconv.ParseInt(res.Header.Get(fetchTimeHeaderName), 10, 64); err == nil {
		sres.FetchedAt = time.Unix(ts, 0)
	}
	res.Header.Del(fetchTimeHeaderName)
	sres.Response = res
	return sres, nil
}

// responseToBytes converts a response to a byte slice.
// Writing consumes the body, so the body is set back from a re-read of the
// written bytes before returning.
func responseToBytes(res *http.Response) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	bts := buf.Bytes()
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clonedRes.Body
	return bts, nil
}
