package uaclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"golang.org/x/sync/errgroup"

	"opclink/logging"
)

// RootFolder is the well-known Objects folder where discovery starts.
var RootFolder = ua.NewNumericNodeID(0, id.ObjectsFolder)

// GetAllTags walks the server's object hierarchy and returns every variable
// node below the Objects folder. Sibling folders are browsed concurrently.
// Hidden folders (leading underscore) and namespace 0 objects are skipped.
// A node reachable by two paths is returned twice.
func (c *Client) GetAllTags(ctx context.Context) ([]Tag, error) {
	sess, err := c.active("getAllTags")
	if err != nil {
		return nil, err
	}

	start := time.Now()
	tags, err := browseTags(ctx, sess, []*ua.NodeID{RootFolder})
	if err != nil {
		logging.DebugError("opcua", "browse", err)
		return nil, err
	}
	logging.DebugLog("opcua", "BROWSE %s: %d tags in %v", c.Endpoint(), len(tags), time.Since(start))
	return tags, nil
}

// browseTags browses each folder concurrently and flattens the results.
func browseTags(ctx context.Context, sess Session, folders []*ua.NodeID) ([]Tag, error) {
	if len(folders) == 0 {
		return []Tag{}, nil
	}

	results := make([][]Tag, len(folders))
	g, gctx := errgroup.WithContext(ctx)
	for i, folder := range folders {
		i, folder := i, folder
		g.Go(func() error {
			tags, err := browseFolder(gctx, sess, folder)
			if err != nil {
				return err
			}
			results[i] = tags
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, r := range results {
		total += len(r)
	}
	tags := make([]Tag, 0, total)
	for _, r := range results {
		tags = append(tags, r...)
	}
	return tags, nil
}

// browseFolder collects the folder's own variables and recurses into its
// qualifying child objects.
func browseFolder(ctx context.Context, sess Session, folder *ua.NodeID) ([]Tag, error) {
	refs, err := browseReferences(ctx, sess, folder)
	if err != nil {
		return nil, err
	}

	var tags []Tag
	var children []*ua.NodeID
	for _, ref := range refs {
		if ref == nil || ref.NodeID == nil || ref.NodeID.NodeID == nil {
			continue
		}
		switch ref.NodeClass {
		case ua.NodeClassVariable:
			tags = append(tags, Tag{
				NodeID: ref.NodeID.NodeID.String(),
				Name:   referenceName(ref),
			})
		case ua.NodeClassObject:
			if isBrowsableFolder(ref) {
				children = append(children, ref.NodeID.NodeID)
			}
		}
	}

	nested, err := browseTags(ctx, sess, children)
	if err != nil {
		return nil, err
	}
	return append(tags, nested...), nil
}

// isBrowsableFolder reports whether an object reference is an application
// folder: not hidden and not in the server's built-in namespace.
func isBrowsableFolder(ref *ua.ReferenceDescription) bool {
	if strings.HasPrefix(browseName(ref), "_") {
		return false
	}
	return ref.NodeID.NodeID.Namespace() != 0
}

func browseName(ref *ua.ReferenceDescription) string {
	if ref.BrowseName != nil && ref.BrowseName.Name != "" {
		return ref.BrowseName.Name
	}
	if ref.DisplayName != nil {
		return ref.DisplayName.Text
	}
	return ""
}

func referenceName(ref *ua.ReferenceDescription) string {
	if ref.DisplayName != nil && ref.DisplayName.Text != "" {
		return ref.DisplayName.Text
	}
	return browseName(ref)
}

// browseReferences returns all forward hierarchical references of nodeID,
// following continuation points.
func browseReferences(ctx context.Context, sess Session, nodeID *ua.NodeID) ([]*ua.ReferenceDescription, error) {
	req := &ua.BrowseRequest{
		View: &ua.ViewDescription{
			ViewID: ua.NewTwoByteNodeID(0),
		},
		RequestedMaxReferencesPerNode: 0,
		NodesToBrowse: []*ua.BrowseDescription{
			{
				NodeID:          nodeID,
				BrowseDirection: ua.BrowseDirectionForward,
				ReferenceTypeID: ua.NewNumericNodeID(0, id.HierarchicalReferences),
				IncludeSubtypes: true,
				NodeClassMask:   uint32(ua.NodeClassObject | ua.NodeClassVariable),
				ResultMask:      uint32(ua.BrowseResultMaskAll),
			},
		},
	}

	resp, err := sess.Browse(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("browse %s: %w", nodeID, err)
	}
	if resp == nil || len(resp.Results) == 0 {
		return nil, fmt.Errorf("browse %s: empty response", nodeID)
	}
	result := resp.Results[0]
	if result.StatusCode != ua.StatusOK {
		return nil, fmt.Errorf("browse %s: %w", nodeID, result.StatusCode)
	}

	refs := result.References
	cp := result.ContinuationPoint
	for len(cp) > 0 {
		next, err := sess.BrowseNext(ctx, &ua.BrowseNextRequest{
			ContinuationPoints: [][]byte{cp},
		})
		if err != nil {
			releaseContinuation(ctx, sess, cp)
			return nil, fmt.Errorf("browse next %s: %w", nodeID, err)
		}
		if next == nil || len(next.Results) == 0 {
			releaseContinuation(ctx, sess, cp)
			break
		}
		r := next.Results[0]
		if r.StatusCode != ua.StatusOK {
			releaseContinuation(ctx, sess, cp)
			return nil, fmt.Errorf("browse next %s: %w", nodeID, r.StatusCode)
		}
		refs = append(refs, r.References...)
		cp = r.ContinuationPoint
	}
	return refs, nil
}

// releaseTimeout bounds the request that frees an abandoned continuation
// point; it runs even when ctx is already cancelled.
var releaseTimeout = 5 * time.Second

// releaseContinuation tells the server to drop cp. Servers cap the
// continuation points held per session.
func releaseContinuation(ctx context.Context, sess Session, cp []byte) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	_, err := sess.BrowseNext(rctx, &ua.BrowseNextRequest{
		ReleaseContinuationPoints: true,
		ContinuationPoints:        [][]byte{cp},
	})
	if err != nil {
		logging.DebugError("opcua", "release continuation point", err)
	}
}
