package xgrpc

import (
	"errors"
	"fmt"
	"strings"
)

var errMalformedMethod = errors.New("method name must be in format `/package.service/method`")

// Method is a gRPC full method name split into its parts.
type Method struct {
	Service string
	Name    string
}

// String returns the full method name, e.g. `/dgw.Gateway/CreateService`.
func (m Method) String() string {
	return "/" + m.Service + "/" + m.Name
}

// ParseFullMethod splits a full method name such as
// `/dgw.Gateway/CreateService` into `dgw.Gateway` and `CreateService`.
func ParseFullMethod(fullMethod string) (Method, error) {
	name, ok := strings.CutPrefix(fullMethod, "/")
	if !ok {
		return Method{}, fmt.Errorf("%w: %q", errMalformedMethod, fullMethod)
	}

	pos := strings.LastIndex(name, "/")
	if pos <= 0 || pos == len(name)-1 {
		return Method{}, fmt.Errorf("%w: %q", errMalformedMethod, fullMethod)
	}

	return Method{Service: name[:pos], Name: name[pos+1:]}, nil
}
