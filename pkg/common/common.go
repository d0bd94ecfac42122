package common

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"

	"github.com/bwmarrin/snowflake"
)

const (
	ENABLED  = "enabled"
	DISABLED = "disabled"
)

var (
	snode     *snowflake.Node
	snodeOnce sync.Once
)

// UUIDint64 returns a cluster-unique int64 identifier.
func UUIDint64() int64 {
	snodeOnce.Do(func() {
		var err error
		snode, err = snowflake.NewNode(1)
		if err != nil {
			panic(err)
		}
	})
	return snode.Generate().Int64()
}

// Sha256HashWithSalt hashes value with the given salt, hex encoded.
func Sha256HashWithSalt(value string, salt string) string {
	sum := sha256.Sum256([]byte(value + salt))
	return hex.EncodeToString(sum[:])
}

// GetSecretSalt reads the instance secret salt from the environment,
// falling back to a static development value.
func GetSecretSalt() string {
	if s := os.Getenv("PARTYDESK_SECRET_SALT"); s != "" {
		return s
	}
	return "partydesk"
}

// FileExists reports whether path exists and is not a directory.
func FileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
