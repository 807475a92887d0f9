package main

import (
	"strings"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

// parseLine reads "<type> [json payload]". Blank lines and lines starting
// with '#' are skipped with ok false.
func parseLine(line string) (msgType string, payload any, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", nil, false, nil
	}

	msgType, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return msgType, map[string]any{}, true, nil
	}
	if err := sonic.ConfigStd.UnmarshalFromString(rest, &payload); err != nil {
		return "", nil, false, errors.Wrapf(err, "payload of %s", msgType)
	}
	return msgType, payload, true, nil
}
