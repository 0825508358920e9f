package datastore

import (
	"encoding/binary"
)

// Keys used for partitioning families of registry data
type keyType byte

const (
	newIDsKey keyType = iota + 1
	storeKey
	nodeKey
	newNodeIDsKey
)

func (t keyType) String() string {
	switch t {
	case newIDsKey:
		return "next store id"
	case storeKey:
		return "store"
	case nodeKey:
		return "node"
	case newNodeIDsKey:
		return "next node id"
	default:
		return "unknown key type"
	}
}

func newIDsIndex() []byte {
	return []byte{byte(newIDsKey)}
}

func storeIndex(storeID uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte{byte(storeKey)}, storeID)
}

func storePrefix() []byte {
	return []byte{byte(storeKey)}
}

func nodeIndex(storeID, id uint32) []byte {
	return binary.BigEndian.AppendUint32(nodePrefix(storeID), id)
}

func nodePrefix(storeID uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte{byte(nodeKey)}, storeID)
}

func newNodeIDsIndex(storeID uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte{byte(newNodeIDsKey)}, storeID)
}
