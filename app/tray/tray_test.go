package tray

import (
    "testing"
    "fmt"
    "github.com/ollama/ollama/app/tray/commontray"
)


// Test generated using Keploy
func TestNewTray_GetUpdateIconError(t *testing.T) {
    // Save original function
    originalGetIcon := getIcon
    defer func() {
        getIcon = originalGetIcon
    }()

    getIcon = func(filename string) ([]byte, error) {
        if filename == commontray.UpdateIconName+".png" || filename == commontray.UpdateIconName+".ico" {
            return nil, fmt.Errorf("failed to get updateIcon")
        }
        return []byte("icon data"), nil
    }

    tray, err := NewTray()
    if err == nil {
        t.Errorf("Expected an error, got nil")
    }
    if tray != nil {
        t.Errorf("Expected tray to be nil, got %v", tray)
    }
}

// Test generated using Keploy
func TestNewTray_GetIconError(t *testing.T) {
    // Save original function
    originalGetIcon := getIcon
    defer func() {
        getIcon = originalGetIcon
    }()

    getIcon = func(filename string) ([]byte, error) {
        if filename == commontray.IconName+".png" || filename == commontray.IconName+".ico" {
            return nil, fmt.Errorf("failed to get icon")
        }
        return []byte("icon data"), nil
    }

    tray, err := NewTray()
    if err == nil {
        t.Errorf("Expected an error, got nil")
    }
    if tray != nil {
        t.Errorf("Expected tray to be nil, got %v", tray)
    }
}


// Test generated using Keploy
func TestNewTray_InitTrayError(t *testing.T) {
    // Save original functions
    originalGetIcon := getIcon
    originalInitTray := initTray
    defer func() {
        getIcon = originalGetIcon
        initTray = originalInitTray
    }()

    getIcon = func(filename string) ([]byte, error) {
        return []byte("icon data"), nil
    }

    initTray = func(icon []byte, updateIcon []byte) (commontray.OllamaTray, error) {
        return nil, fmt.Errorf("failed to initialize tray")
    }

    tray, err := NewTray()
    if err == nil {
        t.Errorf("Expected an error, got nil")
    }
    if tray != nil {
        t.Errorf("Expected tray to be nil, got %v", tray)
    }
}

