// Package autoload registers every built-in channel.
package autoload

import (
	_ "relay/pkg/channels/telegram"
	_ "relay/pkg/channels/web"
)
