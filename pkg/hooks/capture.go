package hooks

// Prebuilt capture hooks for the common graphics libraries. Each rebinds the
// library's "show" entry point to hand the rendered artifact to the runner's
// __cillow_emit__ helper, which forwards it to the broker as a byte stream.
// The original callable is stashed under an explicit attribute and restored
// from there on uninstall, never called through the replacement.
//
// The fragments tolerate the library being absent: a hook for a library the
// environment does not have installs as a no-op.

// PillowShow captures PIL Image.show calls as "image" byte streams.
func PillowShow() Hook {
	return NewSourceHook("pillow_show", pillowInstall, pillowUninstall)
}

const pillowInstall = `
try:
    from PIL import Image as _cillow_pil
except ImportError:
    _cillow_pil = None
if _cillow_pil is not None and not hasattr(_cillow_pil.Image, '_cillow_orig_show'):
    _cillow_pil.Image._cillow_orig_show = _cillow_pil.Image.show
    def _cillow_show(self, title=None, **kwargs):
        import io
        buf = io.BytesIO()
        self.save(buf, format='PNG')
        __cillow_emit__('image', buf.getvalue())
    _cillow_pil.Image.show = _cillow_show
    del _cillow_show
`

const pillowUninstall = `
try:
    from PIL import Image as _cillow_pil
except ImportError:
    _cillow_pil = None
if _cillow_pil is not None and hasattr(_cillow_pil.Image, '_cillow_orig_show'):
    _cillow_pil.Image.show = _cillow_pil.Image._cillow_orig_show
    del _cillow_pil.Image._cillow_orig_show
`

// MatplotlibShow captures pyplot.show calls: every open figure is rendered
// to PNG and emitted as a "figure" byte stream, then closed the way show
// would have.
func MatplotlibShow() Hook {
	return NewSourceHook("matplotlib_show", matplotlibInstall, matplotlibUninstall)
}

const matplotlibInstall = `
try:
    import matplotlib
    matplotlib.use('Agg')
    import matplotlib.pyplot as _cillow_plt
except ImportError:
    _cillow_plt = None
if _cillow_plt is not None and not hasattr(_cillow_plt, '_cillow_orig_show'):
    _cillow_plt._cillow_orig_show = _cillow_plt.show
    def _cillow_show(*args, **kwargs):
        import io
        for num in _cillow_plt.get_fignums():
            fig = _cillow_plt.figure(num)
            buf = io.BytesIO()
            fig.savefig(buf, format='png')
            __cillow_emit__('figure', buf.getvalue())
        _cillow_plt.close('all')
    _cillow_plt.show = _cillow_show
    del _cillow_show
`

const matplotlibUninstall = `
try:
    import matplotlib.pyplot as _cillow_plt
except ImportError:
    _cillow_plt = None
if _cillow_plt is not None and hasattr(_cillow_plt, '_cillow_orig_show'):
    _cillow_plt.show = _cillow_plt._cillow_orig_show
    del _cillow_plt._cillow_orig_show
`
