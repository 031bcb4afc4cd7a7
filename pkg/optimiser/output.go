package optimiser

import (
	"bufio"
	"fmt"
	"math/cmplx"
	"os"
	"path/filepath"

	"cryorefine/internal/models"
	"cryorefine/pkg/fft"
	"cryorefine/pkg/model"
	"cryorefine/pkg/mrc"
	"cryorefine/pkg/visualization"
)

func (o *Optimiser) out(name string) string {
	return filepath.Join(o.cfg.Basic.OutputDir, name)
}

// writeLines creates path and fills it through fn.
func writeLines(path string, fn func(w *bufio.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if err := fn(w); err != nil {
		f.Close()
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return f.Close()
}

// saveReference writes the references of this hemisphere. The final 3D
// references also get their central sections as BMP.
func (o *Optimiser) saveReference(final bool) error {
	if !o.cfg.Output.SaveReference || !o.node.IsMaster() {
		return nil
	}
	for l := 0; l < o.cfg.Basic.K; l++ {
		name := fmt.Sprintf("Reference_%03d_%s_Round_%03d", l, o.node.Hemisphere, o.iter)
		if final {
			name = fmt.Sprintf("Reference_%03d_%s_Final", l, o.node.Hemisphere)
		}
		ref := o.model.Ref(l)
		var err error
		if ref.Vol != nil {
			err = mrc.WriteVolume(o.out(name+".mrc"), ref.Vol, o.px())
		} else {
			err = mrc.WriteStack(o.out(name+".mrc"), []*models.Image{ref.Img}, o.px())
		}
		if err != nil {
			return fmt.Errorf("failed to save reference %d: %w", l, err)
		}
		if final && ref.Vol != nil {
			if err := visualization.NewViewer(ref.Vol).SaveCentralSections(o.cfg.Basic.OutputDir, name); err != nil {
				return fmt.Errorf("failed to save sections of reference %d: %w", l, err)
			}
		}
	}
	return nil
}

// saveFSC writes the FSC of every class as shell, resolution in Angstrom
// and FSC columns. Only the master of hemisphere A writes it.
func (o *Optimiser) saveFSC(final bool) error {
	if !o.cfg.Output.SaveFSC || !o.node.IsMaster() || o.node.Hemisphere != models.HemisphereA {
		return nil
	}
	maxR := o.model.MaxR()
	freq := make([]float64, 0, maxR)
	for s := 1; s < maxR; s++ {
		freq = append(freq, model.ResP2A(float64(s), o.size(), o.px()))
	}
	curves := make(map[string][]float64, o.cfg.Basic.K)
	for l := 0; l < o.cfg.Basic.K; l++ {
		name := fmt.Sprintf("FSC_%03d_Round_%03d", l, o.iter)
		if final {
			name = fmt.Sprintf("FSC_%03d_Final", l)
		}
		fsc := o.model.FSC(l)
		err := writeLines(o.out(name+".txt"), func(w *bufio.Writer) error {
			for s := 1; s < maxR; s++ {
				if _, err := fmt.Fprintf(w, "%05d   %10.6f   %10.6f\n", s, 1/freq[s-1], fsc[s]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		curves[fmt.Sprintf("class %d", l)] = fsc[1:maxR]
	}
	if !o.cfg.Output.PlotFSC {
		return nil
	}
	name := fmt.Sprintf("FSC_Round_%03d.png", o.iter)
	if final {
		name = "FSC_Final.png"
	}
	if err := visualization.PlotFSC(o.out(name), freq, curves, o.cfg.Advanced.ThresReportFSC); err != nil {
		o.logs.Err.Printf("Failed to plot FSC: %v", err)
	}
	return nil
}

// saveSig writes the noise power of every group as shell, frequency and
// power columns.
func (o *Optimiser) saveSig() error {
	if !o.cfg.Output.SaveSig || !o.node.IsMaster() {
		return nil
	}
	path := o.out(fmt.Sprintf("Sig_%s_Round_%03d.txt", o.node.Hemisphere, o.iter))
	return writeLines(path, func(w *bufio.Writer) error {
		for g, row := range o.sig {
			if _, err := fmt.Fprintf(w, "# group %d\n", g); err != nil {
				return err
			}
			for s, v := range row {
				f := model.ResP2A(float64(s), o.size(), o.px())
				if _, err := fmt.Fprintf(w, "%05d   %10.6f   %15.9g\n", s, f, v); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// saveParticle dumps the hypotheses of the first few images.
func (o *Optimiser) saveParticle(d *datum, suffix string) {
	if !o.cfg.Output.SaveParticles || d.id >= 20 {
		return
	}
	path := o.out(fmt.Sprintf("Particle_%04d_Round_%03d_%s.par", d.id, o.iter, suffix))
	if err := writeLines(path, func(w *bufio.Writer) error { return d.par.Save(w) }); err != nil {
		o.logs.Err.Printf("Failed to save particle %d: %v", d.id, err)
	}
}

// saveBestProjections writes the best projection and the residual of the
// first NSaveImg images as BMP.
func (o *Optimiser) saveBestProjections() error {
	for _, d := range o.data {
		if d.id >= o.cfg.Output.NSaveImg {
			continue
		}
		prj, _ := o.bestProjection(d)
		diff := prj.Copy()
		for i := range diff.FT {
			diff.FT[i] = d.img.FT[i] - prj.FT[i]
		}
		for name, img := range map[string]*models.Image{"Result": prj, "Diff": diff} {
			fft.BwImg(img)
			path := o.out(fmt.Sprintf("%s_%04d_Round_%03d.bmp", name, d.id, o.iter))
			if err := visualization.SaveBMP(visualization.ImageGray(img), path); err != nil {
				return fmt.Errorf("failed to save %s of image %d: %w", name, d.id, err)
			}
		}
	}
	return nil
}

// saveImages writes the first NSaveImg masked images in real space and as
// log spectra.
func (o *Optimiser) saveImages() error {
	if !o.cfg.Output.SaveImages {
		return nil
	}
	for _, d := range o.data {
		if d.id >= o.cfg.Output.NSaveImg {
			continue
		}
		mag := make([]float64, len(d.img.FT))
		for i, v := range d.img.FT {
			mag[i] = cmplx.Abs(v)
		}
		path := o.out(fmt.Sprintf("Fourier_Image_%04d.bmp", d.id))
		if err := visualization.SaveBMP(visualization.SpectrumGray(mag, o.size(), 0.01), path); err != nil {
			return fmt.Errorf("failed to save spectrum of image %d: %w", d.id, err)
		}
		img := d.img.Copy()
		fft.BwImg(img)
		path = o.out(fmt.Sprintf("Image_%04d.bmp", d.id))
		if err := visualization.SaveBMP(visualization.ImageGray(img), path); err != nil {
			return fmt.Errorf("failed to save image %d: %w", d.id, err)
		}
	}
	return nil
}

// saveCTFs writes the CTF of the first NSaveImg images.
func (o *Optimiser) saveCTFs() error {
	if !o.cfg.Output.SaveCTFs {
		return nil
	}
	for _, d := range o.data {
		if d.id >= o.cfg.Output.NSaveImg {
			continue
		}
		path := o.out(fmt.Sprintf("CTF_%04d.bmp", d.id))
		if err := visualization.SaveBMP(visualization.SpectrumGray(d.ctfImg, o.size(), 0.01), path); err != nil {
			return fmt.Errorf("failed to save CTF of image %d: %w", d.id, err)
		}
	}
	return nil
}
