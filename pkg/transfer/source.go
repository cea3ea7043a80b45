package transfer

import (
	"context"
	"io"

	"github.com/otelfleet/otaagent/pkg/client"
	"github.com/otelfleet/otaagent/pkg/updatepackage"
)

// Source yields object bytes for the pipeline.
type Source interface {
	// Open returns the object's bytes starting at offset, or earlier. The
	// returned offset is where the reader actually starts.
	Open(ctx context.Context, obj updatepackage.Object, offset int64) (io.ReadCloser, int64, error)
}

// RemoteSource fetches objects from an update server.
type RemoteSource struct {
	Client     *client.Client
	Server     string
	ProductUID string
	PackageUID string
}

func (r *RemoteSource) Open(ctx context.Context, obj updatepackage.Object, offset int64) (io.ReadCloser, int64, error) {
	return r.Client.FetchObject(ctx, r.Server, r.ProductUID, r.PackageUID, obj.Sha256sum, offset)
}

// ArchiveSource reads objects out of a local package. It always starts at
// offset 0.
type ArchiveSource struct {
	Archive *updatepackage.Archive
}

func (a *ArchiveSource) Open(ctx context.Context, obj updatepackage.Object, _ int64) (io.ReadCloser, int64, error) {
	pr, pw := io.Pipe()
	go func() {
		_, err := a.Archive.Object(obj.Sha256sum, pw)
		pw.CloseWithError(err)
	}()
	stop := context.AfterFunc(ctx, func() {
		pr.CloseWithError(ctx.Err())
	})
	return &pipeReader{PipeReader: pr, stop: stop}, 0, nil
}

type pipeReader struct {
	*io.PipeReader
	stop func() bool
}

func (p *pipeReader) Close() error {
	p.stop()
	return p.PipeReader.Close()
}
