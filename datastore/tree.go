package datastore

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/janelia-flyem/slidetile/message"
	"github.com/janelia-flyem/slidetile/slide"
)

func checkName(op, name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return slide.NewError(slide.RequestIntegrity, op, "name is empty")
	case len(name) > MaxNameLength:
		return slide.NewError(slide.RequestIntegrity, op, "name longer than %d bytes", MaxNameLength)
	case strings.ContainsAny(name, "/\x00"):
		return slide.NewError(slide.RequestIntegrity, op, "name %q contains a reserved character", name)
	}
	return nil
}

func getNode(txn *badger.Txn, storeID, id uint32) (Node, error) {
	var n Node
	found, err := getData(txn, nodeIndex(storeID, id), &n)
	if err != nil {
		return n, err
	}
	if !found {
		return n, slide.NewError(slide.ResourceExistence, "get node", "no node %d in store %d", id, storeID)
	}
	return n, nil
}

// storeNodes returns every node of a store keyed by id.
func storeNodes(txn *badger.Txn, storeID uint32) (map[uint32]Node, error) {
	nodes := make(map[uint32]Node)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = nodePrefix(storeID)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var n Node
		if err := decodeItem(it.Item(), &n); err != nil {
			return nil, err
		}
		nodes[n.ID] = n
	}
	return nodes, nil
}

// visible returns an error unless the node and all its ancestors are live.
func visible(txn *badger.Txn, n Node) error {
	for {
		if n.Deleted {
			return slide.NewError(slide.ResourceExistence, "get node", "%s has been deleted", n)
		}
		if n.ParentID == RootID {
			return nil
		}
		parent, err := getNode(txn, n.StoreID, n.ParentID)
		if err != nil {
			return err
		}
		n = parent
	}
}

// checkParent verifies that id is a live directory of the store.
func checkParent(txn *badger.Txn, op string, storeID, id uint32) error {
	if _, err := getStore(txn, storeID); err != nil {
		return err
	}
	if id == RootID {
		return nil
	}
	parent, err := getNode(txn, storeID, id)
	if err != nil {
		return err
	}
	if parent.Kind != DirectoryNode {
		return slide.NewError(slide.RequestIntegrity, op, "%s is not a directory", parent)
	}
	return visible(txn, parent)
}

// checkUnique rejects a live sibling with the same name.
func checkUnique(txn *badger.Txn, kind slide.ErrorKind, op string, storeID, parentID, exclude uint32, name string) error {
	nodes, err := storeNodes(txn, storeID)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.ParentID == parentID && n.ID != exclude && !n.Deleted && n.Name == name {
			return slide.NewError(kind, op, "%q already exists in directory %d", name, parentID)
		}
	}
	return nil
}

func (r *Registry) createNode(ctx context.Context, op string, n Node) (Node, error) {
	if err := checkName(op, n.Name); err != nil {
		return Node{}, err
	}
	now := time.Now()
	n.Created, n.Modified = now, now
	err := r.update(ctx, slide.DatabaseInsertion, op, func(txn *badger.Txn) error {
		if err := checkParent(txn, op, n.StoreID, n.ParentID); err != nil {
			return err
		}
		if err := checkUnique(txn, slide.ResourceCreation, op, n.StoreID, n.ParentID, 0, n.Name); err != nil {
			return err
		}
		var err error
		if n.ID, err = nextID(txn, newNodeIDsIndex(n.StoreID)); err != nil {
			return err
		}
		if n.Kind == ImageNode {
			n.Path = ImagePath(n.StoreID, n.ID)
		}
		return putData(txn, nodeIndex(n.StoreID, n.ID), n)
	})
	if err != nil {
		return Node{}, err
	}
	return n, nil
}

// CreateDirectory adds a directory under parentID and announces it.
func (r *Registry) CreateDirectory(ctx context.Context, storeID, parentID uint32, name string) (Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.createNode(ctx, "create directory", Node{StoreID: storeID, ParentID: parentID, Kind: DirectoryNode, Name: name})
	if err != nil {
		return Node{}, err
	}
	slide.Infof("Created %s under %d\n", n, parentID)
	r.notify(message.DirectoryChange{
		Kind:     message.ChangeCreate,
		StoreID:  storeID,
		ParentID: parentID,
		ID:       n.ID,
		Name:     n.Name,
	}, map[string]interface{}{"Node": n.ID, "Parent": parentID, "Name": n.Name, "Type": "directory"})
	return n, nil
}

// CreateImage reserves an image under parentID.  The image is neither served
// nor announced until RecordConversion marks it ready.
func (r *Registry) CreateImage(ctx context.Context, storeID, parentID uint32, name, decoder string) (Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.createNode(ctx, "create image", Node{StoreID: storeID, ParentID: parentID, Kind: ImageNode, Name: name, Decoder: decoder})
	if err != nil {
		return Node{}, err
	}
	slide.Debugf("Reserved %s at %s\n", n, n.Path)
	return n, nil
}

// RecordConversion stores the pyramid levels of a converted image, marks it
// ready and announces it.
func (r *Registry) RecordConversion(ctx context.Context, storeID, imageID uint32, levels []slide.MetadataLayer) error {
	if len(levels) == 0 {
		return slide.NewError(slide.RequestIntegrity, "record conversion", "image %d has no levels", imageID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var n Node
	err := r.update(ctx, slide.DatabaseInsertion, "record conversion", func(txn *badger.Txn) error {
		var err error
		if n, err = getNode(txn, storeID, imageID); err != nil {
			return err
		}
		if n.Kind != ImageNode {
			return slide.NewError(slide.RequestIntegrity, "record conversion", "%s is not an image", n)
		}
		n.Levels = append([]slide.MetadataLayer(nil), levels...)
		n.Ready = true
		n.Modified = time.Now()
		return putData(txn, nodeIndex(storeID, imageID), n)
	})
	if err != nil {
		return err
	}
	slide.Infof("Recorded %d levels for %s\n", len(levels), n)
	r.notify(message.DirectoryChange{
		Kind:     message.ChangeCreate,
		StoreID:  storeID,
		ParentID: n.ParentID,
		ID:       n.ID,
		Name:     n.Name,
	}, map[string]interface{}{"Node": n.ID, "Parent": n.ParentID, "Name": n.Name, "Type": "image", "Levels": len(levels)})
	return nil
}

// Node returns a node regardless of its deletion state.
func (r *Registry) Node(ctx context.Context, storeID, id uint32) (Node, error) {
	var n Node
	err := r.view(ctx, "get node", func(txn *badger.Txn) error {
		var err error
		n, err = getNode(txn, storeID, id)
		return err
	})
	return n, err
}

// image returns a live, converted image.
func (r *Registry) image(ctx context.Context, op string, storeID, imageID uint32) (Node, error) {
	var n Node
	err := r.view(ctx, op, func(txn *badger.Txn) error {
		var err error
		if n, err = getNode(txn, storeID, imageID); err != nil {
			return err
		}
		if n.Kind != ImageNode {
			return slide.NewError(slide.ResourceExistence, op, "%s is not an image", n)
		}
		if !n.Ready {
			return slide.NewError(slide.ResourceExistence, op, "%s has not been converted", n)
		}
		return visible(txn, n)
	})
	return n, err
}

// ImagePath returns the array store group of a live, converted image.
func (r *Registry) ImagePath(ctx context.Context, storeID, imageID uint32) (string, error) {
	n, err := r.image(ctx, "image path", storeID, imageID)
	if err != nil {
		return "", err
	}
	return n.Path, nil
}

// Layers returns the pyramid levels recorded for a live, converted image.
func (r *Registry) Layers(ctx context.Context, storeID, imageID uint32) ([]slide.MetadataLayer, error) {
	n, err := r.image(ctx, "layers", storeID, imageID)
	if err != nil {
		return nil, err
	}
	return n.Levels, nil
}

// Children returns the nodes directly under parentID ordered by name.
func (r *Registry) Children(ctx context.Context, storeID, parentID uint32, includeDeleted bool) ([]Node, error) {
	var children []Node
	err := r.view(ctx, "list directory", func(txn *badger.Txn) error {
		if err := checkParent(txn, "list directory", storeID, parentID); err != nil {
			return err
		}
		nodes, err := storeNodes(txn, storeID)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if n.ParentID == parentID && n.ID != RootID && (includeDeleted || !n.Deleted) {
				children = append(children, n)
			}
		}
		return nil
	})
	sort.Slice(children, func(i, j int) bool {
		if children[i].Name == children[j].Name {
			return children[i].ID < children[j].ID
		}
		return children[i].Name < children[j].Name
	})
	return children, err
}

// Move reparents a node under the directory destID.
func (r *Registry) Move(ctx context.Context, storeID, id, destID uint32) error {
	if id == RootID {
		return slide.NewError(slide.RequestIntegrity, "move", "can't move the root directory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var n Node
	err := r.update(ctx, slide.ResourceMove, "move", func(txn *badger.Txn) error {
		var err error
		if n, err = getNode(txn, storeID, id); err != nil {
			return err
		}
		if err := visible(txn, n); err != nil {
			return err
		}
		if err := checkParent(txn, "move", storeID, destID); err != nil {
			return err
		}
		for ancestor := destID; ancestor != RootID; {
			if ancestor == id {
				return slide.NewError(slide.ResourceMove, "move", "can't move %s into itself", n)
			}
			a, err := getNode(txn, storeID, ancestor)
			if err != nil {
				return err
			}
			ancestor = a.ParentID
		}
		if err := checkUnique(txn, slide.ResourceMove, "move", storeID, destID, id, n.Name); err != nil {
			return err
		}
		n.ParentID = destID
		n.Modified = time.Now()
		return putData(txn, nodeIndex(storeID, id), n)
	})
	if err != nil {
		return err
	}
	slide.Infof("Moved %s to directory %d\n", n, destID)
	if n.Kind == ImageNode && !n.Ready {
		return nil
	}
	r.notify(message.DirectoryChange{
		Kind:          message.ChangeMove,
		StoreID:       storeID,
		ID:            id,
		DestinationID: destID,
	}, map[string]interface{}{"Node": id, "Destination": destID})
	return nil
}

// Rename changes the name of a node.
func (r *Registry) Rename(ctx context.Context, storeID, id uint32, name string) error {
	if id == RootID {
		return slide.NewError(slide.RequestIntegrity, "rename", "can't rename the root directory")
	}
	if err := checkName("rename", name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var n Node
	err := r.update(ctx, slide.DatabaseInsertion, "rename", func(txn *badger.Txn) error {
		var err error
		if n, err = getNode(txn, storeID, id); err != nil {
			return err
		}
		if err := visible(txn, n); err != nil {
			return err
		}
		if err := checkUnique(txn, slide.RequestIntegrity, "rename", storeID, n.ParentID, id, name); err != nil {
			return err
		}
		n.Name = name
		n.Modified = time.Now()
		return putData(txn, nodeIndex(storeID, id), n)
	})
	if err != nil {
		return err
	}
	slide.Infof("Renamed node %d of store %d to %q\n", id, storeID, name)
	if n.Kind == ImageNode && !n.Ready {
		return nil
	}
	r.notify(message.DirectoryChange{
		Kind:    message.ChangeRename,
		StoreID: storeID,
		ID:      id,
		Name:    name,
	}, map[string]interface{}{"Node": id, "Name": name})
	return nil
}

// SoftDelete hides a node and everything under it.  The records and any
// pyramids stay until HardDelete.
func (r *Registry) SoftDelete(ctx context.Context, storeID, id uint32) error {
	if id == RootID {
		return slide.NewError(slide.RequestIntegrity, "delete", "can't delete the root directory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var n Node
	err := r.update(ctx, slide.DatabaseInsertion, "delete", func(txn *badger.Txn) error {
		var err error
		if n, err = getNode(txn, storeID, id); err != nil {
			return err
		}
		if err := visible(txn, n); err != nil {
			return err
		}
		n.Deleted = true
		n.Modified = time.Now()
		return putData(txn, nodeIndex(storeID, id), n)
	})
	if err != nil {
		return err
	}
	slide.Infof("Soft deleted %s\n", n)
	r.notify(message.DirectoryChange{
		Kind:    message.ChangeDelete,
		StoreID: storeID,
		ID:      id,
	}, map[string]interface{}{"Node": id, "Hard": false})
	return nil
}

// HardDelete removes a node and everything under it from the registry and
// returns the removed images so their pyramids can be deleted.
func (r *Registry) HardDelete(ctx context.Context, storeID, id uint32) ([]Node, error) {
	if id == RootID {
		return nil, slide.NewError(slide.RequestIntegrity, "delete", "can't delete the root directory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var target Node
	var images []Node
	err := r.update(ctx, slide.DatabaseDeletion, "delete", func(txn *badger.Txn) error {
		var err error
		if target, err = getNode(txn, storeID, id); err != nil {
			return err
		}
		nodes, err := storeNodes(txn, storeID)
		if err != nil {
			return err
		}
		removed := descendants(nodes, id)
		for _, rid := range removed {
			if n := nodes[rid]; n.Kind == ImageNode {
				images = append(images, n)
			}
			if err := txn.Delete(nodeIndex(storeID, rid)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slide.Infof("Hard deleted %s with %d images\n", target, len(images))
	if !target.Deleted {
		r.notify(message.DirectoryChange{
			Kind:    message.ChangeDelete,
			StoreID: storeID,
			ID:      id,
		}, map[string]interface{}{"Node": id, "Hard": true, "Images": len(images)})
	}
	return images, nil
}

// descendants returns id and the ids of every node beneath it.
func descendants(nodes map[uint32]Node, id uint32) []uint32 {
	children := make(map[uint32][]uint32)
	for _, n := range nodes {
		children[n.ParentID] = append(children[n.ParentID], n.ID)
	}
	ids := []uint32{id}
	for i := 0; i < len(ids); i++ {
		ids = append(ids, children[ids[i]]...)
	}
	return ids
}
