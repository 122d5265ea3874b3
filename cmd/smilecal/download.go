package main

import (
	"compress/bzip2"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrCodeEU/smilecal/pkg/config"
	"github.com/MrCodeEU/smilecal/pkg/logging"
	"github.com/MrCodeEU/smilecal/pkg/vision/dlib"
	"github.com/MrCodeEU/smilecal/pkg/vision/pigo"
	"github.com/MrCodeEU/smilecal/pkg/vision/yunet"
)

const pigoCascadeURL = "https://raw.githubusercontent.com/esimov/pigo/master/cascade/"

// model is a single downloadable file. URLs ending in .bz2 are
// decompressed on the fly.
type model struct {
	Name   string
	URL    string
	Target string
}

// modelsFor lists the files needed by the backends named in c, rooted at
// c.Vision.ModelPath.
func modelsFor(c *config.Config) []model {
	used := map[string]bool{
		c.Vision.Detector:   true,
		c.Vision.Tracker:    true,
		c.Vision.Landmarker: true,
	}

	var models []model
	if used[config.BackendPigo] {
		dir := c.PigoCascadeDir()
		models = append(models,
			model{pigo.FaceCascade, pigoCascadeURL + pigo.FaceCascade, filepath.Join(dir, pigo.FaceCascade)},
			model{pigo.PuplocCascade, pigoCascadeURL + pigo.PuplocCascade, filepath.Join(dir, pigo.PuplocCascade)},
		)
		for _, name := range pigo.LandmarkCascades() {
			models = append(models, model{
				Name:   name,
				URL:    pigoCascadeURL + pigo.LandmarkDir + "/" + name,
				Target: filepath.Join(dir, pigo.LandmarkDir, name),
			})
		}
	}
	if used[config.BackendYuNet] {
		models = append(models, model{
			Name:   yunet.ModelFile,
			URL:    "https://github.com/opencv/opencv_zoo/raw/main/models/face_detection_yunet/" + yunet.ModelFile,
			Target: c.YuNetModelPath(),
		})
	}
	if used[config.BackendDlib] {
		dir := c.DlibModelDir()
		for _, name := range []string{dlib.ShapePredictorModel, dlib.RecognitionModel, dlib.DetectorModel} {
			models = append(models, model{
				Name:   name,
				URL:    "http://dlib.net/files/" + name + ".bz2",
				Target: filepath.Join(dir, name),
			})
		}
	}
	return models
}

func cmdDownloadModels(args []string) error {
	if len(args) > 0 {
		cfg.Vision.ModelPath = config.ExpandPath(args[0])
	}

	logging.Infof("Downloading models to: %s", cfg.Vision.ModelPath)

	for _, m := range modelsFor(cfg) {
		if _, err := os.Stat(m.Target); err == nil {
			logging.Infof("Model %s already exists, skipping", m.Name)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(m.Target), 0755); err != nil {
			return fmt.Errorf("failed to create model directory: %w", err)
		}

		logging.Infof("Downloading %s...", m.Name)
		if err := downloadAndExtract(m.URL, m.Target); err != nil {
			return fmt.Errorf("failed to download %s: %w", m.Name, err)
		}
		logging.Infof("Successfully downloaded %s", m.Name)
	}

	logging.Info("All models downloaded successfully!")
	return nil
}

func downloadAndExtract(url, targetPath string) error {
	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: 10 * time.Minute,
	}

	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	var body io.Reader = resp.Body
	if strings.HasSuffix(url, ".bz2") {
		body = bzip2.NewReader(resp.Body)
	}

	// Write next to the target so a failed download leaves nothing behind.
	tmp := targetPath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, body); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, targetPath)
}
