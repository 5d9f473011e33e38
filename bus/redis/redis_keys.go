package redis

import "github.com/zlnvch/studysync/bus"

// Helper functions to generate Redis keys with hash tags for cluster compatibility.
// Everything under one session root shares the root as its hash tag.

const leasesKey = "bus:leases"

func buildDataKey(path string) string {
	return "bus:{" + bus.Root(path) + "}:d:" + path
}

func buildIndexKey(path string) string {
	return "bus:{" + bus.Root(path) + "}:i:" + path
}

func buildCollectionsKey(root string) string {
	return "bus:{" + root + "}:colls"
}

func buildSeqKey(root string) string {
	return "bus:{" + root + "}:seq"
}

func buildChangesChannel(root string) string {
	return "bus:{" + root + "}:changes"
}

func buildLeasePathsKey(clientId string) string {
	return "bus:lease:{" + clientId + "}:paths"
}
