package discover

import (
    "testing"
)


// Test generated using Keploy
func TestIsNUMA_NonLinux_ReturnsFalse(t *testing.T) {
    // Save the original runtimeGOOS
    originalGOOS := runtimeGOOS
    defer func() { runtimeGOOS = originalGOOS }()

    // Set runtimeGOOS to "windows"
    runtimeGOOS = "windows"

    result := IsNUMA()
    if result != false {
        t.Errorf("Expected false, got %v", result)
    }
}

// Test generated using Keploy
func TestIsNUMA_Linux_NoPackageIDs_ReturnsFalse(t *testing.T) {
    // Save the original functions
    originalGOOS := runtimeGOOS
    originalFilepathGlobFunc := filepathGlobFunc
    defer func() {
        runtimeGOOS = originalGOOS
        filepathGlobFunc = originalFilepathGlobFunc
    }()

    // Set runtimeGOOS to "linux"
    runtimeGOOS = "linux"

    // Mock filepathGlobFunc to return empty slice
    filepathGlobFunc = func(pattern string) ([]string, error) {
        return []string{}, nil
    }

    result := IsNUMA()
    if result != false {
        t.Errorf("Expected false, got %v", result)
    }
}


// Test generated using Keploy
func TestIsNUMA_Linux_SinglePackageID_ReturnsFalse(t *testing.T) {
    // Save the original functions
    originalGOOS := runtimeGOOS
    originalFilepathGlobFunc := filepathGlobFunc
    originalOsReadFileFunc := osReadFileFunc
    defer func() {
        runtimeGOOS = originalGOOS
        filepathGlobFunc = originalFilepathGlobFunc
        osReadFileFunc = originalOsReadFileFunc
    }()

    // Set runtimeGOOS to "linux"
    runtimeGOOS = "linux"

    // Mock filepathGlobFunc to return one package ID file
    filepathGlobFunc = func(pattern string) ([]string, error) {
        return []string{"package1"}, nil
    }

    // Mock osReadFileFunc to return the same ID for the package
    osReadFileFunc = func(name string) ([]byte, error) {
        return []byte("0"), nil
    }

    result := IsNUMA()
    if result != false {
        t.Errorf("Expected false, got %v", result)
    }
}

