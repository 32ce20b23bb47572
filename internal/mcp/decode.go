package mcp

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/notefeed/internal/errors"
)

// decode unmarshals tool arguments into T. Missing arguments decode to the
// zero value; anything that does not fit T is INVALID_REQUEST.
func decode[T any](req mcp.CallToolRequest) (T, error) {
	var result T
	args := req.GetArguments()
	if len(args) == 0 {
		return result, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return result, errors.NewInvalidRequest("arguments are not valid JSON")
	}
	if err := json.Unmarshal(b, &result); err != nil {
		return result, errors.NewInvalidRequest("invalid arguments: " + err.Error())
	}
	return result, nil
}
