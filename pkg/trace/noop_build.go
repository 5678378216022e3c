//go:build !tracing

package trace

// NewFileExporter returns a no-op exporter when built without the tracing tag.
func NewFileExporter(filePath string, opts ...FileExporterOption) (Exporter, error) {
	return &NoopExporter{}, nil
}
