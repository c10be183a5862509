// Package replication implements the replica side of the master/replica
// handshake: connecting to a master, working through PING, REPLCONF, and
// PSYNC, loading the FULLRESYNC RDB payload into a store, and then
// applying the master's propagated write stream as it arrives.
//
// Basic usage:
//
//	client := replication.NewClient("localhost:6379", listeningPort, store)
//	if err := client.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
package replication
