package wire

import "github.com/user/nearby-blue/wire/l2cap"

// MTU limits for the simulated link
const (
	DefaultMTU = l2cap.DefaultMTU // before exchange
	MaxMTU     = 512              // largest MTU this side will accept
)

const (
	socketPrefix    = "nearby-"
	socketSuffix    = ".sock"
	advertisingFile = "advertising.json"
)

// Role is our side of a connection
type Role string

const (
	RoleCentral    Role = "central"    // we dialed
	RolePeripheral Role = "peripheral" // they dialed
)
