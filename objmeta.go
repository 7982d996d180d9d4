package vmengine

import (
	"strconv"
	"strings"
)

// FormatObjMeta renders m as its canonical path-like key:
// "{sysPrefix}/{ctx}/{appPath}/{createdSecs}/{expiresSecs}/{byteLength}".
func FormatObjMeta(m ObjMeta) string {
	return strings.Join([]string{
		m.SysPrefix,
		m.Ctx,
		m.AppPath,
		strconv.FormatFloat(m.CreatedSecs, 'f', -1, 64),
		strconv.FormatFloat(m.ExpiresSecs, 'f', -1, 64),
		strconv.FormatInt(m.ByteLength, 10),
	}, "/")
}

// ParseObjMeta parses a key previously produced by FormatObjMeta.
// appPath itself may contain "/" characters, so parsing works from both
// ends: sysPrefix and ctx from the front, createdSecs/expiresSecs/
// byteLength from the back, leaving whatever remains as appPath.
func ParseObjMeta(key string) (ObjMeta, error) {
	parts := strings.Split(key, "/")
	if len(parts) < 6 {
		return ObjMeta{}, ErrInvalidInput("object meta key has too few fields: " + key)
	}
	sysPrefix := parts[0]
	ctx := parts[1]
	appPath := strings.Join(parts[2:len(parts)-3], "/")
	created, err := strconv.ParseFloat(parts[len(parts)-3], 64)
	if err != nil {
		return ObjMeta{}, ErrInvalidInput("object meta key has non-numeric createdSecs: " + key)
	}
	expires, err := strconv.ParseFloat(parts[len(parts)-2], 64)
	if err != nil {
		return ObjMeta{}, ErrInvalidInput("object meta key has non-numeric expiresSecs: " + key)
	}
	byteLength, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return ObjMeta{}, ErrInvalidInput("object meta key has non-numeric byteLength: " + key)
	}
	switch sysPrefix {
	case SysPrefixSetup, SysPrefixCtxSetup, SysPrefixCtxConfig, SysPrefixCtx:
	default:
		return ObjMeta{}, ErrInvalidInput("object meta key has unknown sysPrefix: " + sysPrefix)
	}
	return ObjMeta{
		SysPrefix:   sysPrefix,
		Ctx:         ctx,
		AppPath:     appPath,
		CreatedSecs: created,
		ExpiresSecs: expires,
		ByteLength:  byteLength,
	}, nil
}
