package s2s

import "time"

// DefaultPrioritizer is used when a ClientConfig does not supply one: every
// packet gets priority 0 and a 1 second TTL, matching §6's
// "dataPacketPrioritizer: default returns priority=0, ttl=1s".
type DefaultPrioritizer struct{}

func (DefaultPrioritizer) Priority(*DataPacket) int        { return 0 }
func (DefaultPrioritizer) TTL(*DataPacket) time.Duration   { return 1 * time.Second }
