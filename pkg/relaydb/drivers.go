// Copyright 2024-2026 Aiku AI

package relaydb

import (
	_ "github.com/lib/pq"
	_ "go.mau.fi/util/dbutil/litestream"
)
